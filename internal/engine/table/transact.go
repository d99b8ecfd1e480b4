// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package table

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/value"
)

// TransactOpKind discriminates transactional write operations.
type TransactOpKind int

const (
	TransactPut TransactOpKind = iota
	TransactUpdate
	TransactDelete
	TransactConditionCheck
)

// TransactOp is one member of a transact-write group.
type TransactOp struct {
	Kind      TransactOpKind
	Table     string
	Item      value.Item // TransactPut
	Key       value.Item // update, delete, condition check
	Update    string     // TransactUpdate
	Condition string
	Names     map[string]string
	Values    map[string]value.Value
}

// ReasonNone and ReasonConditionFailed are the per-item cancellation
// reason codes.
const (
	ReasonNone            = "None"
	ReasonConditionFailed = "ConditionalCheckFailed"
)

// CanceledError reports a cancelled transaction with one reason code
// per operation, in operation order.
type CanceledError struct {
	Reasons []string
}

// Error is part of the error interface.
func (e *CanceledError) Error() string {
	return fmt.Sprintf("transaction canceled [%s]", strings.Join(e.Reasons, ", "))
}

// GetOp names one item for a transactional read.
type GetOp struct {
	Table string
	Key   value.Item
}

// TransactWrite evaluates every condition under a single logical
// checkpoint; only when all pass do the writes execute and their
// change records emit. On any condition failure nothing is written and
// a *CanceledError carries the per-item reasons. An update that cannot
// apply also writes nothing. Each item may appear in at most one
// operation of the group.
func (e *Engine) TransactWrite(ops []TransactOp) error {
	if len(ops) == 0 {
		return errors.NotValidf("empty transaction")
	}

	type prepared struct {
		op      TransactOp
		t       *tbl
		keys    value.Item
		encoded string
		cond    *ConditionExpr
		update  *UpdateExpr
	}
	preps := make([]prepared, 0, len(ops))
	seen := make(map[string]bool, len(ops))
	for i, op := range ops {
		t, err := e.lookup(op.Table)
		if err != nil {
			return errors.Trace(err)
		}
		keySource := op.Key
		if op.Kind == TransactPut {
			keySource = op.Item
		}
		keys, err := t.spec.Key.keyOf(keySource)
		if err != nil {
			return errors.Annotatef(err, "transaction op %d", i)
		}
		p := prepared{op: op, t: t, keys: keys, encoded: t.spec.Key.encode(keys)}
		ident := op.Table + "\x00" + p.encoded
		if seen[ident] {
			return errors.NotValidf("transaction op %d: duplicate item", i)
		}
		seen[ident] = true
		if op.Condition != "" {
			if p.cond, err = ParseCondition(op.Condition); err != nil {
				return errors.Annotatef(err, "transaction op %d", i)
			}
		} else if op.Kind == TransactConditionCheck {
			return errors.NotValidf("condition check without condition expression")
		}
		if op.Kind == TransactUpdate {
			if p.update, err = ParseUpdate(op.Update); err != nil {
				return errors.Annotatef(err, "transaction op %d", i)
			}
		}
		preps = append(preps, p)
	}

	// Lock every involved table in name order; single-table ops only
	// ever hold one table lock, so this order is cycle-free.
	locked := lockTables(preps, func(p prepared) *tbl { return p.t })
	defer unlockTables(locked)

	reasons := make([]string, len(preps))
	failed := false
	for i, p := range preps {
		reasons[i] = ReasonNone
		if p.cond == nil {
			continue
		}
		current := p.t.items[p.encoded]
		ok, err := p.cond.Eval(current, p.op.Names, p.op.Values)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			reasons[i] = ReasonConditionFailed
			failed = true
		}
	}
	if failed {
		logger.Debugf("transaction canceled: %v", reasons)
		return &CanceledError{Reasons: reasons}
	}

	// Apply updates to working copies before writing anything: an
	// update that cannot apply aborts here, with no writes and no
	// change records emitted. Each item appears at most once, so the
	// copies cannot go stale inside the transaction.
	updated := make([]value.Item, len(preps))
	for i, p := range preps {
		if p.op.Kind != TransactUpdate {
			continue
		}
		base := p.t.items[p.encoded]
		if base == nil {
			base = p.keys.Clone()
		}
		out, err := p.update.Apply(base, p.op.Names, p.op.Values)
		if err != nil {
			return errors.Annotatef(err, "transaction op %d", i)
		}
		updated[i] = out
	}

	for i, p := range preps {
		old := p.t.items[p.encoded]
		switch p.op.Kind {
		case TransactConditionCheck:
			// Nothing to write.
		case TransactPut:
			p.t.items[p.encoded] = p.op.Item.Clone()
			if old == nil {
				e.emit(p.t, changestream.Insert, p.keys, p.op.Item, nil)
			} else {
				e.emit(p.t, changestream.Modify, p.keys, p.op.Item, old)
			}
		case TransactDelete:
			if old != nil {
				delete(p.t.items, p.encoded)
				e.emit(p.t, changestream.Remove, p.keys, nil, old)
			}
		case TransactUpdate:
			p.t.items[p.encoded] = updated[i]
			if old == nil {
				e.emit(p.t, changestream.Insert, p.keys, updated[i], nil)
			} else {
				e.emit(p.t, changestream.Modify, p.keys, updated[i], old)
			}
		}
	}
	return nil
}

// TransactGet reads every named item under a single checkpoint. The
// result has one entry per op; absent items yield nil entries.
func (e *Engine) TransactGet(gets []GetOp) ([]value.Item, error) {
	type prepared struct {
		t       *tbl
		encoded string
	}
	preps := make([]prepared, 0, len(gets))
	for i, op := range gets {
		t, err := e.lookup(op.Table)
		if err != nil {
			return nil, errors.Trace(err)
		}
		keys, err := t.spec.Key.keyOf(op.Key)
		if err != nil {
			return nil, errors.Annotatef(err, "transaction get %d", i)
		}
		preps = append(preps, prepared{t: t, encoded: t.spec.Key.encode(keys)})
	}

	locked := lockTables(preps, func(p prepared) *tbl { return p.t })
	defer unlockTables(locked)

	out := make([]value.Item, len(preps))
	for i, p := range preps {
		out[i] = p.t.items[p.encoded].Clone()
	}
	return out, nil
}

func lockTables[T any](items []T, pick func(T) *tbl) []*tbl {
	seen := map[*tbl]bool{}
	var tables []*tbl
	for _, it := range items {
		t := pick(it)
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].spec.Name < tables[j].spec.Name
	})
	for _, t := range tables {
		t.mu.Lock()
	}
	return tables
}

func unlockTables(tables []*tbl) {
	for _, t := range tables {
		t.mu.Unlock()
	}
}
