package model

import (
	"fmt"
	"sort"
	"strings"
)

type (
	// Cursor is a single originator's position in a stream.
	Cursor struct {
		OriginatorID uint32 `cbor:"1,keyasint" json:"originator_id"`
		SequenceID   uint64 `cbor:"2,keyasint" json:"sequence_id"`
	}

	// GlobalCursor maps originator id to the highest sequence id observed
	// from it. It is a vector clock.
	GlobalCursor map[uint32]uint64

	// Ordering is the result of comparing two vector clocks.
	Ordering int
)

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.OriginatorID, c.SequenceID)
}

// IsZero reports whether c is the empty cursor.
func (c Cursor) IsZero() bool { return c.OriginatorID == 0 && c.SequenceID == 0 }

func NewGlobalCursor(cursors ...Cursor) GlobalCursor {
	g := make(GlobalCursor, len(cursors))
	for _, c := range cursors {
		g.Apply(c)
	}
	return g
}

// Get returns the highest sequence id seen for originator, zero if none.
func (g GlobalCursor) Get(originator uint32) uint64 {
	return g[originator]
}

// Apply advances the clock to include c. It never moves an originator
// backwards and reports whether anything changed.
func (g GlobalCursor) Apply(c Cursor) bool {
	if cur, ok := g[c.OriginatorID]; ok && cur >= c.SequenceID {
		return false
	}
	g[c.OriginatorID] = c.SequenceID
	return true
}

// Merge advances g to the element-wise maximum of g and other.
func (g GlobalCursor) Merge(other GlobalCursor) {
	for o, s := range other {
		g.Apply(Cursor{OriginatorID: o, SequenceID: s})
	}
}

// Seen reports whether c is at or below the high-water mark of its originator.
func (g GlobalCursor) Seen(c Cursor) bool {
	cur, ok := g[c.OriginatorID]
	return ok && cur >= c.SequenceID
}

// Dominates reports whether every originator/sequence pair in other has
// already been observed by g.
func (g GlobalCursor) Dominates(other GlobalCursor) bool {
	for o, s := range other {
		if g[o] < s {
			return false
		}
	}
	return true
}

// Missing returns the pairs of other that g has not observed yet, sorted
// by originator.
func (g GlobalCursor) Missing(other GlobalCursor) []Cursor {
	var out []Cursor
	for o, s := range other {
		if g[o] < s {
			out = append(out, Cursor{OriginatorID: o, SequenceID: s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginatorID < out[j].OriginatorID })
	return out
}

// Compare returns the causal relation of g to other.
func (g GlobalCursor) Compare(other GlobalCursor) Ordering {
	ge := g.Dominates(other)
	le := other.Dominates(g)
	switch {
	case ge && le:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

func (g GlobalCursor) Clone() GlobalCursor {
	out := make(GlobalCursor, len(g))
	for o, s := range g {
		out[o] = s
	}
	return out
}

// Cursors returns the clock as a list sorted by originator.
func (g GlobalCursor) Cursors() []Cursor {
	out := make([]Cursor, 0, len(g))
	for o, s := range g {
		out = append(out, Cursor{OriginatorID: o, SequenceID: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginatorID < out[j].OriginatorID })
	return out
}

func (g GlobalCursor) String() string {
	parts := make([]string, 0, len(g))
	for _, c := range g.Cursors() {
		parts = append(parts, c.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
