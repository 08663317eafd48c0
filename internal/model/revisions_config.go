package model

import (
	"strings"
	"time"
)

// RevisionsCollectionConfiguration is the retention policy of one collection
type RevisionsCollectionConfiguration struct {
	Disabled                       bool           `json:"Disabled"`
	MaxRevisions                   *int64         `json:"MaxRevisions,omitempty"`
	MaxRevisionAge                 *time.Duration `json:"MaxRevisionAge,omitempty"`
	PurgeOnDelete                  bool           `json:"PurgeOnDelete"`
	MaxRevisionsToDeleteUponUpdate *int64         `json:"MaxRevisionsToDeleteUponUpdate,omitempty"`
}

// Enabled reports whether new revisions are created under this policy
func (c *RevisionsCollectionConfiguration) Enabled() bool {
	return c != nil && !c.Disabled
}

// RevisionsConfiguration is stored as the RevisionsConfigID system document.
// A collection without its own entry falls back to Default; a nil Default means
// revisions are disabled for it.
type RevisionsConfiguration struct {
	Default           *RevisionsCollectionConfiguration            `json:"Default,omitempty"`
	Collections       map[string]*RevisionsCollectionConfiguration `json:"Collections,omitempty"`
	ConflictRevisions *RevisionsCollectionConfiguration            `json:"ConflictRevisions,omitempty"`
}

// DefaultConflictRevisions applies when ConflictRevisions is unset, including
// on databases that never configured revisions.
var DefaultConflictRevisions = &RevisionsCollectionConfiguration{}

// For returns the policy in force for a collection, or nil when disabled.
func (c *RevisionsConfiguration) For(collection string) *RevisionsCollectionConfiguration {
	if c == nil {
		return nil
	}
	for name, cc := range c.Collections {
		if strings.EqualFold(name, collection) {
			return cc
		}
	}
	return c.Default
}

// Conflict returns the policy for revisions created by conflicts and resolutions
func (c *RevisionsConfiguration) Conflict() *RevisionsCollectionConfiguration {
	if c == nil || c.ConflictRevisions == nil {
		return DefaultConflictRevisions
	}
	return c.ConflictRevisions
}
