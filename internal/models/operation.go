package models

// EventKind tags the variants of ItemEvent.
type EventKind int

const (
	EventCreation EventKind = iota
	EventUpdate
	EventDeletion
)

func (k EventKind) String() string {
	switch k {
	case EventCreation:
		return "add"
	case EventUpdate:
		return "update"
	case EventDeletion:
		return "delete"
	default:
		return "unknown"
	}
}

// ItemEvent is one of ObjectCreation, ItemUpdate or ItemDeletion.
type ItemEvent interface {
	Kind() EventKind
	ObjectID() ObjectBranchID
	event()
}

// ObjectCreation records the creation of an object.
type ObjectCreation struct {
	ID     ObjectBranchID
	Values Values
}

// ItemUpdate records a modification. OldValues may lack entries or hold nil for
// attributes whose previous value is unknown.
type ItemUpdate struct {
	ID        ObjectBranchID
	Values    Values
	OldValues Values
}

// ItemDeletion records the removal of an object with its last values.
type ItemDeletion struct {
	ID     ObjectBranchID
	Values Values
}

func (ObjectCreation) Kind() EventKind { return EventCreation }
func (ItemUpdate) Kind() EventKind     { return EventUpdate }
func (ItemDeletion) Kind() EventKind   { return EventDeletion }

func (e ObjectCreation) ObjectID() ObjectBranchID { return e.ID }
func (e ItemUpdate) ObjectID() ObjectBranchID     { return e.ID }
func (e ItemDeletion) ObjectID() ObjectBranchID   { return e.ID }

func (ObjectCreation) event() {}
func (ItemUpdate) event()     {}
func (ItemDeletion) event()   {}
