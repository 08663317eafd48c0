package model

import "strings"

// DocumentFlags is a bit set describing a document, tombstone or revision
type DocumentFlags uint32

const (
	FlagNone            DocumentFlags = 0
	FlagHasRevisions    DocumentFlags = 1 << 0
	FlagDeleteRevision  DocumentFlags = 1 << 1
	FlagConflicted      DocumentFlags = 1 << 2
	FlagResolved        DocumentFlags = 1 << 3
	FlagFromReplication DocumentFlags = 1 << 4
	FlagRevision        DocumentFlags = 1 << 5
)

var flagNames = []struct {
	flag DocumentFlags
	name string
}{
	{FlagHasRevisions, "HasRevisions"},
	{FlagDeleteRevision, "DeleteRevision"},
	{FlagConflicted, "Conflicted"},
	{FlagResolved, "Resolved"},
	{FlagFromReplication, "FromReplication"},
	{FlagRevision, "Revision"},
}

// Contain reports whether every bit of other is set
func (f DocumentFlags) Contain(other DocumentFlags) bool {
	return f&other == other
}

// With returns f with other set
func (f DocumentFlags) With(other DocumentFlags) DocumentFlags {
	return f | other
}

// Strip returns f with other cleared
func (f DocumentFlags) Strip(other DocumentFlags) DocumentFlags {
	return f &^ other
}

func (f DocumentFlags) String() string {
	if f == FlagNone {
		return "None"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Contain(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ", ")
}
