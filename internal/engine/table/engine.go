// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package table implements the in-memory table engine: schema-keyed
// item storage, the expression subset for updates and conditions,
// queries over primary and secondary keys, transactions, and change
// record emission into the stream dispatcher.
package table

import (
	"math/big"
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/ldkerrors"
	"github.com/localdevkit/ldk/core/value"
)

var logger = loggo.GetLogger("ldk.engine.table")

func normalizeNumber(n string) string {
	f, ok := new(big.Float).SetString(n)
	if !ok {
		return n
	}
	return f.Text('f', -1)
}

// Recorder receives change records as writes land. The table engine
// emits each record after the data change is durable in memory, still
// under the table lock, so enqueue order equals sequence order.
type Recorder interface {
	Enqueue(changestream.Record)
}

// Engine owns all tables. Table lookup holds the engine lock; item
// operations hold only the individual table's lock. Transactions lock
// their tables in name order.
type Engine struct {
	clock    clock.Clock
	recorder Recorder

	mu     sync.RWMutex
	tables map[string]*tbl
}

type tbl struct {
	spec Spec

	mu    sync.Mutex
	items map[string]value.Item
	seq   uint64
}

// NewEngine returns a table engine. The recorder may be nil when no
// change stream is wired.
func NewEngine(clk clock.Clock, recorder Recorder) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	return &Engine{
		clock:    clk,
		recorder: recorder,
		tables:   make(map[string]*tbl),
	}, nil
}

// Create adds a table.
func (e *Engine) Create(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return errors.Trace(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[spec.Name]; ok {
		return errors.AlreadyExistsf("table %q", spec.Name)
	}
	e.tables[spec.Name] = &tbl{
		spec:  spec,
		items: make(map[string]value.Item),
	}
	return nil
}

// Destroy removes a table and all its items.
func (e *Engine) Destroy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables[name]; !ok {
		return errors.NotFoundf("table %q", name)
	}
	delete(e.tables, name)
	return nil
}

// List returns all table names in lexical order.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the table's spec and item count.
func (e *Engine) Describe(name string) (Spec, int, error) {
	t, err := e.lookup(name)
	if err != nil {
		return Spec{}, 0, errors.Trace(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec, len(t.items), nil
}

func (e *Engine) lookup(name string) (*tbl, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[name]
	if !ok {
		return nil, errors.NotFoundf("table %q", name)
	}
	return t, nil
}

// emit builds and enqueues a change record for a landed write.
// Callers must hold t.mu.
func (e *Engine) emit(t *tbl, kind changestream.Kind, keys, newImage, oldImage value.Item) {
	if e.recorder == nil || !t.spec.StreamEnabled {
		return
	}
	t.seq++
	e.recorder.Enqueue(changestream.NewRecord(
		kind, t.spec.Name, keys, newImage, oldImage,
		t.spec.StreamView, t.seq, e.clock.Now(),
	))
}

// PutRequest carries a put with an optional condition.
type PutRequest struct {
	Item      value.Item
	Condition string
	Names     map[string]string
	Values    map[string]value.Value
}

// Put stores an item, replacing any existing item with the same key.
func (e *Engine) Put(table string, req PutRequest) error {
	t, err := e.lookup(table)
	if err != nil {
		return errors.Trace(err)
	}
	keys, err := t.spec.Key.keyOf(req.Item)
	if err != nil {
		return errors.Trace(err)
	}
	var cond *ConditionExpr
	if req.Condition != "" {
		if cond, err = ParseCondition(req.Condition); err != nil {
			return errors.Trace(err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	encoded := t.spec.Key.encode(keys)
	old := t.items[encoded]
	if cond != nil {
		ok, err := cond.Eval(old, req.Names, req.Values)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return ldkerrors.ConditionFailedf("put on table %q", table)
		}
	}
	t.items[encoded] = req.Item.Clone()
	if old == nil {
		e.emit(t, changestream.Insert, keys, req.Item, nil)
	} else {
		e.emit(t, changestream.Modify, keys, req.Item, old)
	}
	return nil
}

// Get returns the item with the given key, or nil when absent.
func (e *Engine) Get(table string, key value.Item) (value.Item, error) {
	t, err := e.lookup(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	keys, err := t.spec.Key.keyOf(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.items[t.spec.Key.encode(keys)]
	return item.Clone(), nil
}

// DeleteRequest carries a delete with an optional condition.
type DeleteRequest struct {
	Key       value.Item
	Condition string
	Names     map[string]string
	Values    map[string]value.Value
}

// Delete removes the item with the given key. Deleting an absent item
// is a no-op unless a condition says otherwise.
func (e *Engine) Delete(table string, req DeleteRequest) error {
	t, err := e.lookup(table)
	if err != nil {
		return errors.Trace(err)
	}
	keys, err := t.spec.Key.keyOf(req.Key)
	if err != nil {
		return errors.Trace(err)
	}
	var cond *ConditionExpr
	if req.Condition != "" {
		if cond, err = ParseCondition(req.Condition); err != nil {
			return errors.Trace(err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	encoded := t.spec.Key.encode(keys)
	old := t.items[encoded]
	if cond != nil {
		ok, err := cond.Eval(old, req.Names, req.Values)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return ldkerrors.ConditionFailedf("delete on table %q", table)
		}
	}
	if old == nil {
		return nil
	}
	delete(t.items, encoded)
	e.emit(t, changestream.Remove, keys, nil, old)
	return nil
}

// UpdateRequest carries an update expression applied to one item.
type UpdateRequest struct {
	Key       value.Item
	Update    string
	Condition string
	Names     map[string]string
	Values    map[string]value.Value
}

// Update applies an update expression, creating the item when absent,
// and returns the new image.
func (e *Engine) Update(table string, req UpdateRequest) (value.Item, error) {
	t, err := e.lookup(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	keys, err := t.spec.Key.keyOf(req.Key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	upd, err := ParseUpdate(req.Update)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var cond *ConditionExpr
	if req.Condition != "" {
		if cond, err = ParseCondition(req.Condition); err != nil {
			return nil, errors.Trace(err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	encoded := t.spec.Key.encode(keys)
	old := t.items[encoded]
	if cond != nil {
		ok, err := cond.Eval(old, req.Names, req.Values)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			return nil, ldkerrors.ConditionFailedf("update on table %q", table)
		}
	}
	base := old
	if base == nil {
		base = keys.Clone()
	}
	updated, err := upd.Apply(base, req.Names, req.Values)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// The key attributes are immutable.
	for name, v := range keys {
		if got, ok := updated[name]; !ok || !got.Equal(v) {
			return nil, errors.NotValidf("update modifying key attribute %q", name)
		}
	}
	t.items[encoded] = updated
	if old == nil {
		e.emit(t, changestream.Insert, keys, updated, nil)
	} else {
		e.emit(t, changestream.Modify, keys, updated, old)
	}
	return updated.Clone(), nil
}

// QueryRequest selects items by key condition, optionally through a
// secondary index.
type QueryRequest struct {
	IndexName    string
	KeyCondition string
	Filter       string
	Names        map[string]string
	Values       map[string]value.Value
	Limit        int
	ScanForward  *bool
}

// Query returns matching items ordered by sort key.
func (e *Engine) Query(table string, req QueryRequest) ([]value.Item, error) {
	t, err := e.lookup(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	key := t.spec.Key
	if req.IndexName != "" {
		found := false
		for _, idx := range t.spec.Indexes {
			if idx.Name == req.IndexName {
				key = idx.Key
				found = true
				break
			}
		}
		if !found {
			return nil, errors.NotFoundf("index %q on table %q", req.IndexName, table)
		}
	}

	cond, err := ParseCondition(req.KeyCondition)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := validateKeyCondition(cond, key, req.Names); err != nil {
		return nil, errors.Trace(err)
	}
	var filter *ConditionExpr
	if req.Filter != "" {
		if filter, err = ParseCondition(req.Filter); err != nil {
			return nil, errors.Trace(err)
		}
	}

	t.mu.Lock()
	var candidates []value.Item
	for _, item := range t.items {
		ok, err := cond.Eval(item, req.Names, req.Values)
		if err != nil {
			t.mu.Unlock()
			return nil, errors.Trace(err)
		}
		if ok {
			candidates = append(candidates, item.Clone())
		}
	}
	t.mu.Unlock()

	if key.SortKey != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, aok := candidates[i][key.SortKey]
			b, bok := candidates[j][key.SortKey]
			if !aok || !bok {
				return bok
			}
			cmp, err := a.Compare(b)
			return err == nil && cmp < 0
		})
	}
	if req.ScanForward != nil && !*req.ScanForward {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}

	var out []value.Item
	for _, item := range candidates {
		if filter != nil {
			ok, err := filter.Eval(item, req.Names, req.Values)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, item)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// validateKeyCondition ensures the condition only targets the key
// schema's attributes: an equality on the partition key, and at most
// one comparison, begins_with or BETWEEN on the sort key.
func validateKeyCondition(cond *ConditionExpr, key KeySchema, names map[string]string) error {
	clauses, err := flattenAnd(cond.root)
	if err != nil {
		return errors.Trace(err)
	}
	sawPartition := false
	for _, clause := range clauses {
		pth, isEq, err := clausePath(clause)
		if err != nil {
			return errors.Trace(err)
		}
		resolved, err := pth.resolve(names)
		if err != nil {
			return errors.Trace(err)
		}
		if len(resolved) != 1 {
			return errors.NotValidf("key condition on nested path")
		}
		switch resolved[0] {
		case key.PartitionKey:
			if !isEq {
				return errors.NotValidf("partition key condition must be equality")
			}
			sawPartition = true
		case key.SortKey:
		default:
			return errors.NotValidf("key condition on non-key attribute %q", resolved[0])
		}
	}
	if !sawPartition {
		return errors.NotValidf("key condition missing partition key equality")
	}
	return nil
}

func flattenAnd(node condNode) ([]condNode, error) {
	if b, ok := node.(boolNode); ok {
		if b.op != "AND" {
			return nil, errors.NotValidf("%s in key condition", b.op)
		}
		left, err := flattenAnd(b.l)
		if err != nil {
			return nil, errors.Trace(err)
		}
		right, err := flattenAnd(b.r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return append(left, right...), nil
	}
	return []condNode{node}, nil
}

func clausePath(node condNode) (path, bool, error) {
	switch n := node.(type) {
	case cmpNode:
		return n.path, n.op == "=", nil
	case beginsWithNode:
		return n.path, false, nil
	case betweenNode:
		return n.path, false, nil
	}
	return nil, false, errors.NotValidf("key condition clause")
}

// ScanRequest selects items by filter only.
type ScanRequest struct {
	Filter string
	Names  map[string]string
	Values map[string]value.Value
	Limit  int
}

// Scan returns all items matching the filter, in stable key order.
func (e *Engine) Scan(table string, req ScanRequest) ([]value.Item, error) {
	t, err := e.lookup(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var filter *ConditionExpr
	if req.Filter != "" {
		if filter, err = ParseCondition(req.Filter); err != nil {
			return nil, errors.Trace(err)
		}
	}

	t.mu.Lock()
	encodedKeys := make([]string, 0, len(t.items))
	for k := range t.items {
		encodedKeys = append(encodedKeys, k)
	}
	sort.Strings(encodedKeys)
	var out []value.Item
	for _, k := range encodedKeys {
		item := t.items[k]
		if filter != nil {
			ok, err := filter.Eval(item, req.Names, req.Values)
			if err != nil {
				t.mu.Unlock()
				return nil, errors.Trace(err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, item.Clone())
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	t.mu.Unlock()
	return out, nil
}

// BatchGet fetches multiple keys across tables. Absent items are
// simply omitted from the result.
func (e *Engine) BatchGet(requests map[string][]value.Item) (map[string][]value.Item, error) {
	out := make(map[string][]value.Item, len(requests))
	for table, keys := range requests {
		for _, key := range keys {
			item, err := e.Get(table, key)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if item != nil {
				out[table] = append(out[table], item)
			}
		}
	}
	return out, nil
}

// WriteOp is a single unconditional batch-write operation: exactly one
// of Put or DeleteKey is set.
type WriteOp struct {
	Put       value.Item
	DeleteKey value.Item
}

// BatchWrite applies puts and deletes across tables. Operations are
// independent; the batch is not atomic.
func (e *Engine) BatchWrite(requests map[string][]WriteOp) error {
	for table, ops := range requests {
		for _, op := range ops {
			switch {
			case op.Put != nil:
				if err := e.Put(table, PutRequest{Item: op.Put}); err != nil {
					return errors.Trace(err)
				}
			case op.DeleteKey != nil:
				if err := e.Delete(table, DeleteRequest{Key: op.DeleteKey}); err != nil {
					return errors.Trace(err)
				}
			default:
				return errors.NotValidf("batch write op with neither put nor delete")
			}
		}
	}
	return nil
}
