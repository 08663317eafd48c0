// Package commands defines the merged commands as plain values. A command
// holds only materialized inputs; the database binds it to live storage when
// it executes, so the same value can be logged and replayed elsewhere.
package commands

import (
	"encoding/json"
	"time"

	"github.com/devrev/pairdb/document-node/internal/model"
)

// Type tags a command in its serialized form
type Type string

const (
	TypePutDocument           Type = "PutDocument"
	TypeDeleteDocument        Type = "DeleteDocument"
	TypePatchDocument         Type = "PatchDocument"
	TypePutFromReplication    Type = "PutFromReplication"
	TypeResolveConflict       Type = "ResolveConflict"
	TypeEnforceRevisions      Type = "EnforceRevisions"
	TypeDeleteRevisionsBefore Type = "DeleteRevisionsBefore"
	TypeConfigureRevisions    Type = "ConfigureRevisions"
	TypeHiLoNext              Type = "HiLoNext"
	TypeHiLoReturn            Type = "HiLoReturn"
	TypePurgeTombstones       Type = "PurgeTombstones"
)

// Command is the closed set of merged commands
type Command interface {
	CommandType() Type
	header() *Header
}

// Header carries inputs shared by every command
type Header struct {
	// Now is the command's logical time. It is fixed when the command is
	// enqueued and reused verbatim on replay.
	Now time.Time `json:"now"`
}

func (h *Header) header() *Header { return h }

// Materialize fixes the command's time if the caller left it unset
func Materialize(cmd Command, now time.Time) {
	if h := cmd.header(); h.Now.IsZero() {
		h.Now = now.UTC()
	}
}

// Time returns the materialized time of cmd
func Time(cmd Command) time.Time {
	return cmd.header().Now
}

// PutDocument stores a document. A nil ExpectedChangeVector skips the
// concurrency check; an empty one requires that the document not exist.
type PutDocument struct {
	Header
	ID                   string          `json:"id"`
	Collection           string          `json:"collection,omitempty"`
	Data                 json.RawMessage `json:"data"`
	ExpectedChangeVector *string         `json:"expected_change_vector,omitempty"`
}

func (*PutDocument) CommandType() Type { return TypePutDocument }

// DeleteDocument removes a document, leaving a tombstone
type DeleteDocument struct {
	Header
	ID                   string  `json:"id"`
	ExpectedChangeVector *string `json:"expected_change_vector,omitempty"`
}

func (*DeleteDocument) CommandType() Type { return TypeDeleteDocument }

// PatchDocument applies an RFC 6902 JSON Patch to an existing document
type PatchDocument struct {
	Header
	ID                   string          `json:"id"`
	Patch                json.RawMessage `json:"patch"`
	ExpectedChangeVector *string         `json:"expected_change_vector,omitempty"`
}

func (*PatchDocument) CommandType() Type { return TypePatchDocument }

// PutFromReplication applies a version received from another database
type PutFromReplication struct {
	Header
	ID           string          `json:"id"`
	Collection   string          `json:"collection"`
	Data         json.RawMessage `json:"data,omitempty"`
	ChangeVector string          `json:"change_vector"`
	LastModified time.Time       `json:"last_modified"`
	Deleted      bool            `json:"deleted,omitempty"`
}

func (*PutFromReplication) CommandType() Type { return TypePutFromReplication }

// ResolveConflict resolves a conflicted id to its most recent version
type ResolveConflict struct {
	Header
	ID string `json:"id"`
}

func (*ResolveConflict) CommandType() Type { return TypeResolveConflict }

// EnforceRevisions applies the current revisions configuration to one page
// of document ids
type EnforceRevisions struct {
	Header
	IDs []string `json:"ids"`
}

func (*EnforceRevisions) CommandType() Type { return TypeEnforceRevisions }

// DeleteRevisionsBefore removes a collection's revisions created before a cutoff
type DeleteRevisionsBefore struct {
	Header
	Collection string    `json:"collection"`
	Before     time.Time `json:"before"`
}

func (*DeleteRevisionsBefore) CommandType() Type { return TypeDeleteRevisionsBefore }

// ConfigureRevisions replaces the revisions configuration document
type ConfigureRevisions struct {
	Header
	Configuration model.RevisionsConfiguration `json:"configuration"`
}

func (*ConfigureRevisions) CommandType() Type { return TypeConfigureRevisions }

// HiLoNext reserves the next identifier range for a key
type HiLoNext struct {
	Header
	Key         string    `json:"key"`
	LastSize    int64     `json:"last_size,omitempty"`
	LastRangeAt time.Time `json:"last_range_at,omitempty"`
}

func (*HiLoNext) CommandType() Type { return TypeHiLoNext }

// HiLoReturn gives back the unused tail [Last+1, End] of a range
type HiLoReturn struct {
	Header
	Key  string `json:"key"`
	End  int64  `json:"end"`
	Last int64  `json:"last"`
}

func (*HiLoReturn) CommandType() Type { return TypeHiLoReturn }

// PurgeTombstones drops tombstones every replication destination has consumed
type PurgeTombstones struct {
	Header
	UpToEtag int64 `json:"up_to_etag"`
	Limit    int   `json:"limit,omitempty"`
}

func (*PurgeTombstones) CommandType() Type { return TypePurgeTombstones }
