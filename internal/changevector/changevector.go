// Package changevector implements the vector clock used to order document
// versions across replicas.
package changevector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Order is the result of comparing two change vectors under the vector-clock
// partial order.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Concurrent
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// Entry is the highest etag a database has generated on a line of updates.
type Entry struct {
	NodeTag    string
	Etag       int64
	DatabaseID string
}

func (e Entry) String() string {
	return e.NodeTag + ":" + strconv.FormatInt(e.Etag, 10) + "-" + e.DatabaseID
}

// ChangeVector is a set of entries keyed by DatabaseID. The zero value is the
// empty vector, which every other vector dominates.
type ChangeVector []Entry

// Parse reads the "A:12-dbid, B:7-dbid" form. An empty string yields an empty
// vector.
func Parse(s string) (ChangeVector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	cv := make(ChangeVector, 0, len(parts))
	for _, part := range parts {
		entry, err := parseEntry(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse change vector %q: %w", s, err)
		}
		cv = cv.WithEntry(entry.NodeTag, entry.Etag, entry.DatabaseID)
	}
	return cv, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) ChangeVector {
	cv, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cv
}

func parseEntry(s string) (Entry, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Entry{}, fmt.Errorf("entry %q: missing node tag", s)
	}
	rest := s[colon+1:]
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 || dash == len(rest)-1 {
		return Entry{}, fmt.Errorf("entry %q: missing etag or database id", s)
	}
	etag, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %q: %w", s, err)
	}
	if etag < 0 {
		return Entry{}, fmt.Errorf("entry %q: negative etag", s)
	}
	return Entry{NodeTag: s[:colon], Etag: etag, DatabaseID: rest[dash+1:]}, nil
}

// String renders entries sorted by node tag then database id, so equal
// vectors always render identically.
func (cv ChangeVector) String() string {
	if len(cv) == 0 {
		return ""
	}
	parts := make([]string, len(cv))
	for i, e := range cv.sorted() {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func (cv ChangeVector) sorted() ChangeVector {
	out := make(ChangeVector, len(cv))
	copy(out, cv)
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeTag != out[j].NodeTag {
			return out[i].NodeTag < out[j].NodeTag
		}
		return out[i].DatabaseID < out[j].DatabaseID
	})
	return out
}

// EtagFor returns the etag recorded for a database, or 0.
func (cv ChangeVector) EtagFor(databaseID string) int64 {
	for _, e := range cv {
		if e.DatabaseID == databaseID {
			return e.Etag
		}
	}
	return 0
}

// WithEntry returns a copy where the database's entry is at least etag.
func (cv ChangeVector) WithEntry(nodeTag string, etag int64, databaseID string) ChangeVector {
	out := make(ChangeVector, 0, len(cv)+1)
	found := false
	for _, e := range cv {
		if e.DatabaseID == databaseID {
			found = true
			if etag > e.Etag {
				e = Entry{NodeTag: nodeTag, Etag: etag, DatabaseID: databaseID}
			}
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, Entry{NodeTag: nodeTag, Etag: etag, DatabaseID: databaseID})
	}
	return out.sorted()
}

// Merge takes the per-database maximum of all vectors.
func Merge(cvs ...ChangeVector) ChangeVector {
	var out ChangeVector
	for _, cv := range cvs {
		for _, e := range cv {
			out = out.WithEntry(e.NodeTag, e.Etag, e.DatabaseID)
		}
	}
	return out
}

// Compare places a relative to b.
func Compare(a, b ChangeVector) Order {
	aHigher, bHigher := false, false

	for _, e := range a {
		other := b.EtagFor(e.DatabaseID)
		if e.Etag > other {
			aHigher = true
		} else if e.Etag < other {
			bHigher = true
		}
	}
	for _, e := range b {
		if e.Etag > a.EtagFor(e.DatabaseID) {
			bHigher = true
		}
	}

	switch {
	case aHigher && bHigher:
		return Concurrent
	case aHigher:
		return Greater
	case bHigher:
		return Less
	default:
		return Equal
	}
}

// Dominates reports a >= b.
func Dominates(a, b ChangeVector) bool {
	o := Compare(a, b)
	return o == Equal || o == Greater
}

// CompareStrings parses both vectors and compares them.
func CompareStrings(a, b string) (Order, error) {
	av, err := Parse(a)
	if err != nil {
		return 0, err
	}
	bv, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return Compare(av, bv), nil
}

// MergeStrings parses and merges the given vectors, returning the rendered form.
func MergeStrings(cvs ...string) (string, error) {
	parsed := make([]ChangeVector, 0, len(cvs))
	for _, s := range cvs {
		cv, err := Parse(s)
		if err != nil {
			return "", err
		}
		parsed = append(parsed, cv)
	}
	return Merge(parsed...).String(), nil
}
