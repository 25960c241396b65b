package models

import (
	"fmt"
	"time"
)

// DefaultLogMessage replaces a missing commit message.
const DefaultLogMessage = "(no log message)"

// CommitEvent describes the transaction that produced a revision.
type CommitEvent struct {
	Revision int64
	Author   string
	Time     time.Time
	Message  string
}

// NewCommitEvent creates a commit event, truncating the time to milliseconds and
// substituting DefaultLogMessage for an empty message.
func NewCommitEvent(revision int64, author string, t time.Time, message string) CommitEvent {
	if message == "" {
		message = DefaultLogMessage
	}
	return CommitEvent{
		Revision: revision,
		Author:   author,
		Time:     time.UnixMilli(t.UnixMilli()).UTC(),
		Message:  message,
	}
}

// ChangeSet holds every event committed in one revision. Events are kept per
// kind so that enumeration order is always branches, deletions, creations,
// updates, regardless of the order they were added in.
type ChangeSet struct {
	Revision  int64
	Commit    CommitEvent
	Branches  []BranchEvent
	Deletions []ItemDeletion
	Creations []ObjectCreation
	Updates   []ItemUpdate

	// Synthetic is set for change sets the loader builds from unversioned items.
	Synthetic bool
}

// NewChangeSet creates an empty change set for commit.
func NewChangeSet(commit CommitEvent) *ChangeSet {
	return &ChangeSet{Revision: commit.Revision, Commit: commit}
}

// Add appends an item event.
func (cs *ChangeSet) Add(ev ItemEvent) {
	switch e := ev.(type) {
	case ObjectCreation:
		cs.Creations = append(cs.Creations, e)
	case ItemUpdate:
		cs.Updates = append(cs.Updates, e)
	case ItemDeletion:
		cs.Deletions = append(cs.Deletions, e)
	default:
		panic(fmt.Sprintf("models: unknown item event %T", ev))
	}
}

// AddBranch appends a branch event.
func (cs *ChangeSet) AddBranch(ev BranchEvent) {
	ev.Revision = cs.Revision
	cs.Branches = append(cs.Branches, ev)
}

// Events returns the item events in format order.
func (cs *ChangeSet) Events() []ItemEvent {
	out := make([]ItemEvent, 0, cs.Len())
	for _, e := range cs.Deletions {
		out = append(out, e)
	}
	for _, e := range cs.Creations {
		out = append(out, e)
	}
	for _, e := range cs.Updates {
		out = append(out, e)
	}
	return out
}

// Len returns the number of item events.
func (cs *ChangeSet) Len() int {
	return len(cs.Deletions) + len(cs.Creations) + len(cs.Updates)
}

// IsEmpty reports whether the change set carries neither item nor branch events.
func (cs *ChangeSet) IsEmpty() bool {
	return cs.Len() == 0 && len(cs.Branches) == 0
}

// SetRevision renumbers the change set and every event in it.
func (cs *ChangeSet) SetRevision(rev int64) {
	cs.Revision = rev
	cs.Commit.Revision = rev
	for i := range cs.Branches {
		cs.Branches[i].Revision = rev
	}
}

// Clone returns a copy whose slices may be modified independently.
func (cs *ChangeSet) Clone() *ChangeSet {
	out := *cs
	out.Branches = append([]BranchEvent(nil), cs.Branches...)
	out.Deletions = append([]ItemDeletion(nil), cs.Deletions...)
	out.Creations = append([]ObjectCreation(nil), cs.Creations...)
	out.Updates = append([]ItemUpdate(nil), cs.Updates...)
	return &out
}
