// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package table

import (
	"strings"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/value"
)

// KeySchema names the partition key and optional sort key attributes,
// with their scalar types (S, N or B).
type KeySchema struct {
	PartitionKey  string
	PartitionType string
	SortKey       string
	SortType      string
}

// Validate ensures the schema is usable.
func (k KeySchema) Validate() error {
	if k.PartitionKey == "" {
		return errors.NotValidf("missing partition key")
	}
	if !scalarKeyType(k.PartitionType) {
		return errors.NotValidf("partition key type %q", k.PartitionType)
	}
	if k.SortKey != "" && !scalarKeyType(k.SortType) {
		return errors.NotValidf("sort key type %q", k.SortType)
	}
	return nil
}

func scalarKeyType(t string) bool {
	return t == "S" || t == "N" || t == "B"
}

// IndexSchema is a secondary index projecting items under an
// alternate key schema. All attributes are projected.
type IndexSchema struct {
	Name string
	Key  KeySchema
}

// Spec is the full definition of a table.
type Spec struct {
	Name          string
	Key           KeySchema
	Indexes       []IndexSchema
	StreamEnabled bool
	StreamView    changestream.View
}

// Validate ensures the spec is usable.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("missing table name")
	}
	if err := s.Key.Validate(); err != nil {
		return errors.Annotatef(err, "table %q", s.Name)
	}
	seen := map[string]bool{}
	for _, idx := range s.Indexes {
		if idx.Name == "" {
			return errors.NotValidf("table %q: unnamed index", s.Name)
		}
		if seen[idx.Name] {
			return errors.NotValidf("table %q: duplicate index %q", s.Name, idx.Name)
		}
		seen[idx.Name] = true
		if err := idx.Key.Validate(); err != nil {
			return errors.Annotatef(err, "table %q index %q", s.Name, idx.Name)
		}
	}
	return nil
}

// keyOf extracts and validates the primary key attributes of an item.
func (k KeySchema) keyOf(item value.Item) (value.Item, error) {
	key := value.Item{}
	pk, ok := item[k.PartitionKey]
	if !ok || pk.TypeName() != k.PartitionType {
		return nil, errors.NotValidf("item partition key %q", k.PartitionKey)
	}
	key[k.PartitionKey] = pk
	if k.SortKey != "" {
		sk, ok := item[k.SortKey]
		if !ok || sk.TypeName() != k.SortType {
			return nil, errors.NotValidf("item sort key %q", k.SortKey)
		}
		key[k.SortKey] = sk
	}
	return key, nil
}

// encode returns the storage key for an item's primary key. The
// encoding is only used for map lookup, never ordering.
func (k KeySchema) encode(key value.Item) string {
	var b strings.Builder
	writeScalar(&b, key[k.PartitionKey])
	if k.SortKey != "" {
		b.WriteByte(0)
		writeScalar(&b, key[k.SortKey])
	}
	return b.String()
}

func writeScalar(b *strings.Builder, v value.Value) {
	switch {
	case v.S != nil:
		b.WriteString("S:")
		b.WriteString(*v.S)
	case v.N != nil:
		// Normalized so that numerically equal keys collide.
		b.WriteString("N:")
		b.WriteString(normalizeNumber(*v.N))
	case v.B != nil:
		b.WriteString("B:")
		b.Write(v.B)
	}
}
