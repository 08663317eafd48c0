package model

import (
	"encoding/json"
	"time"
)

// Reserved identifiers and collections
const (
	SystemPrefix      = "Raven/"
	HiLoPrefix        = "Raven/Hilo/"
	HiLoCollection    = "@hilo"
	SystemCollection  = "@system"
	EmptyCollection   = "@empty"
	RevisionsConfigID = "Raven/Revisions/Configuration"
)

// Document is the current version of a stored document
type Document struct {
	ID           string          `json:"id"` // original casing
	Collection   string          `json:"collection"`
	Data         json.RawMessage `json:"data"`
	ChangeVector string          `json:"change_vector"`
	Etag         int64           `json:"etag"`
	Flags        DocumentFlags   `json:"flags"`
	LastModified time.Time       `json:"last_modified"`
}

// Tombstone records the deletion of a document
type Tombstone struct {
	ID           string        `json:"id"`
	Collection   string        `json:"collection"`
	ChangeVector string        `json:"change_vector"`
	Etag         int64         `json:"etag"` // deletion etag
	Flags        DocumentFlags `json:"flags"`
	LastModified time.Time     `json:"last_modified"`
}

// Revision is an immutable snapshot of a document version
type Revision struct {
	ID           string          `json:"id"`
	Collection   string          `json:"collection"`
	Data         json.RawMessage `json:"data,omitempty"` // nil for a deletion marker
	ChangeVector string          `json:"change_vector"`
	Etag         int64           `json:"etag"`
	Flags        DocumentFlags   `json:"flags"`
	Created      time.Time       `json:"created"`
}

// Deleted reports whether the revision marks a deletion
func (r *Revision) Deleted() bool {
	return r.Flags.Contain(FlagDeleteRevision)
}

// Conflict is a retained divergent version of a document
type Conflict struct {
	ID           string          `json:"id"`
	Collection   string          `json:"collection"`
	Data         json.RawMessage `json:"data,omitempty"` // nil when the version is a deletion
	ChangeVector string          `json:"change_vector"`
	Etag         int64           `json:"etag"`
	Flags        DocumentFlags   `json:"flags"`
	LastModified time.Time       `json:"last_modified"`
}

// Deleted reports whether the conflicted version is a deletion
func (c *Conflict) Deleted() bool {
	return c.Data == nil
}

// DocumentOrTombstone is the result of a lookup that accepts either form
type DocumentOrTombstone struct {
	Document  *Document
	Tombstone *Tombstone
}

// Missing reports that neither a document nor a tombstone exists
func (d DocumentOrTombstone) Missing() bool {
	return d.Document == nil && d.Tombstone == nil
}

// HiLoState is the payload of a HiLo document
type HiLoState struct {
	Max int64 `json:"Max"`
}
