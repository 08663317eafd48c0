// Package hilo allocates numeric identifier ranges. State is one document per
// key holding the highest value handed out so far.
package hilo

import (
	"time"

	"github.com/devrev/pairdb/document-node/internal/model"
)

const (
	MinCapacity int64 = 32
	MaxCapacity int64 = 1 << 20

	// ranges requested faster than this double in size
	growWindow = 5 * time.Second
	// ranges requested slower than this halve in size
	shrinkWindow = time.Minute
)

// Range is a reserved block [Low, High] for one key
type Range struct {
	Key       string    `json:"key"`
	Low       int64     `json:"low"`
	High      int64     `json:"high"`
	Size      int64     `json:"size"`
	ServerTag string    `json:"server_tag"`
	RangeAt   time.Time `json:"range_at"`
}

// ReturnResult reports whether a return was applied and the Max it left
type ReturnResult struct {
	Key     string `json:"key"`
	Applied bool   `json:"applied"`
	Max     int64  `json:"max"`
}

// DocumentID returns the id of the document that stores a key's state
func DocumentID(key string) string {
	return model.HiLoPrefix + key
}

// Capacity sizes the next range from the previous one. A zero lastSize means
// the client has no history and gets the minimum.
func Capacity(lastSize int64, lastRangeAt, now time.Time) int64 {
	if lastSize <= 0 || lastRangeAt.IsZero() {
		return MinCapacity
	}

	size := lastSize
	elapsed := now.Sub(lastRangeAt)
	switch {
	case elapsed <= growWindow:
		size = lastSize * 2
	case elapsed > shrinkWindow:
		size = lastSize / 2
	}

	if size < MinCapacity {
		return MinCapacity
	}
	if size > MaxCapacity {
		return MaxCapacity
	}
	return size
}

// Reserve advances state by capacity and returns the new range
func Reserve(state model.HiLoState, key, serverTag string, capacity int64, now time.Time) (Range, model.HiLoState) {
	low := state.Max + 1
	high := state.Max + capacity
	return Range{
		Key:       key,
		Low:       low,
		High:      high,
		Size:      capacity,
		ServerTag: serverTag,
		RangeAt:   now,
	}, model.HiLoState{Max: high}
}

// Return gives back the unused tail of a range. It applies only while the
// stored Max still equals end and last does not exceed it; otherwise a newer
// reservation owns the state and the return is dropped.
func Return(state model.HiLoState, end, last int64) (model.HiLoState, bool) {
	if state.Max != end || last > end {
		return state, false
	}
	return model.HiLoState{Max: last}, true
}
