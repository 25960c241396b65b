package models

// BranchEvent records the creation of a branch forked from a base branch at a
// base revision. A nil Types set means every type is branched.
type BranchEvent struct {
	Revision     int64
	Branch       int64
	BaseBranch   int64
	BaseRevision int64
	Types        []string
}

// Branches reports whether the event branches the named type.
func (b BranchEvent) Branches(typeName string) bool {
	if b.Types == nil {
		return true
	}
	for _, t := range b.Types {
		if t == typeName {
			return true
		}
	}
	return false
}
