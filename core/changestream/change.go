// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changestream defines the change records emitted by the table
// engine and consumed, in batches, by change-stream subscribers.
package changestream

import (
	"time"

	"github.com/localdevkit/ldk/core/value"
)

// Kind is the kind of data change a record observed.
type Kind int

const (
	Insert Kind = iota
	Modify
	Remove
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Modify:
		return "MODIFY"
	case Remove:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// View selects which item images a table's records carry.
type View int

const (
	KeysOnly View = iota
	NewImage
	OldImage
	NewAndOld
)

// ParseView maps the wire names to a View.
func ParseView(s string) (View, bool) {
	switch s {
	case "KEYS_ONLY":
		return KeysOnly, true
	case "NEW_IMAGE":
		return NewImage, true
	case "OLD_IMAGE":
		return OldImage, true
	case "NEW_AND_OLD_IMAGES":
		return NewAndOld, true
	}
	return KeysOnly, false
}

// String returns the wire name of the view.
func (v View) String() string {
	switch v {
	case NewImage:
		return "NEW_IMAGE"
	case OldImage:
		return "OLD_IMAGE"
	case NewAndOld:
		return "NEW_AND_OLD_IMAGES"
	}
	return "KEYS_ONLY"
}

// Record is a single observation of a data change. Images are already
// filtered by the table's view at construction time.
type Record struct {
	Kind      Kind
	Table     string
	Keys      value.Item
	NewImage  value.Item
	OldImage  value.Item
	Sequence  uint64
	CreatedAt time.Time
}

// NewRecord builds a record with images filtered per the view.
func NewRecord(kind Kind, table string, keys, newImage, oldImage value.Item, view View, seq uint64, at time.Time) Record {
	r := Record{
		Kind:      kind,
		Table:     table,
		Keys:      keys.Clone(),
		Sequence:  seq,
		CreatedAt: at,
	}
	switch view {
	case NewImage:
		r.NewImage = newImage.Clone()
	case OldImage:
		r.OldImage = oldImage.Clone()
	case NewAndOld:
		r.NewImage = newImage.Clone()
		r.OldImage = oldImage.Clone()
	}
	return r
}
