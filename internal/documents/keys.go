package documents

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/cases"

	"github.com/devrev/pairdb/document-node/internal/model"
)

// Key layout. Document ids are stored case-folded; the original casing lives
// in the record.
//
//	d/<id>            current document
//	t/<id>            tombstone
//	ts/<etag>         tombstone etag index -> id
//	r/<id>\x00<etag>  revision
//	rc/<id>\x00<cv>   revision change vector index -> etag
//	c/<id>\x00<cv>    conflict
//	m/last-etag       database etag counter
const (
	docPrefix         = "d/"
	tombPrefix        = "t/"
	tombEtagPrefix    = "ts/"
	revisionPrefix    = "r/"
	revisionCVPrefix  = "rc/"
	conflictPrefix    = "c/"
	lastEtagKey       = "m/last-etag"
	separator         = "\x00"
	etagEncodedLength = 8
)

// Fold returns the storage form of a document id. A Caser is not safe for
// concurrent use, so one is created per call.
func Fold(id string) string {
	return cases.Fold().String(id)
}

func encodeEtag(etag int64) []byte {
	b := make([]byte, etagEncodedLength)
	binary.BigEndian.PutUint64(b, uint64(etag))
	return b
}

func decodeEtag(b []byte) int64 {
	if len(b) != etagEncodedLength {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func docKey(lower string) []byte {
	return []byte(docPrefix + lower)
}

func tombKey(lower string) []byte {
	return []byte(tombPrefix + lower)
}

func tombEtagKey(etag int64) []byte {
	return append([]byte(tombEtagPrefix), encodeEtag(etag)...)
}

func revisionKeyPrefix(lower string) []byte {
	return []byte(revisionPrefix + lower + separator)
}

func revisionKey(lower string, etag int64) []byte {
	return append(revisionKeyPrefix(lower), encodeEtag(etag)...)
}

func revisionCVKey(lower, cv string) []byte {
	return []byte(revisionCVPrefix + lower + separator + cv)
}

func conflictKeyPrefix(lower string) []byte {
	return []byte(conflictPrefix + lower + separator)
}

func conflictKey(lower, cv string) []byte {
	return []byte(conflictPrefix + lower + separator + cv)
}

// idFromRevisionKey extracts the folded id from an r/ key
func idFromRevisionKey(key []byte) (string, bool) {
	s := string(key)
	if !strings.HasPrefix(s, revisionPrefix) || len(s) < len(revisionPrefix)+len(separator)+etagEncodedLength {
		return "", false
	}
	return s[len(revisionPrefix) : len(s)-etagEncodedLength-len(separator)], true
}

// IsSystemID reports whether the id belongs to an internal document, which
// never gets revisions
func IsSystemID(id string) bool {
	return strings.HasPrefix(Fold(id), systemPrefixFolded)
}

var systemPrefixFolded = Fold(model.SystemPrefix)
