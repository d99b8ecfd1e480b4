// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package table

import (
	"math/big"
	"strings"

	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/value"
)

// The engine supports the expression subset the SDKs lean on in
// practice: SET/REMOVE/ADD/DELETE update clauses, comparison and
// function condition clauses joined with AND/OR/NOT, and key
// conditions over the schema attributes.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNameRef
	tokValueRef
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokOp // = <> < <= > >= + -
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case ch == '.':
			toks = append(toks, token{tokDot, "."})
			i++
		case ch == '+' || ch == '-':
			toks = append(toks, token{tokOp, string(ch)})
			i++
		case ch == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case ch == '<':
			if i+1 < len(input) && input[i+1] == '>' {
				toks = append(toks, token{tokOp, "<>"})
				i += 2
			} else if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "<="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "<"})
				i++
			}
		case ch == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, ">="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, ">"})
				i++
			}
		case ch == '#' || ch == ':':
			j := i + 1
			for j < len(input) && isWordChar(input[j]) {
				j++
			}
			if j == i+1 {
				return nil, errors.NotValidf("dangling %q in expression", string(ch))
			}
			kind := tokNameRef
			if ch == ':' {
				kind = tokValueRef
			}
			toks = append(toks, token{kind, input[i:j]})
			i = j
		case isWordChar(ch):
			j := i
			for j < len(input) && isWordChar(input[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j]})
			i = j
		default:
			return nil, errors.NotValidf("character %q in expression", string(ch))
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

func isWordChar(ch byte) bool {
	return ch == '_' || (ch >= '0' && ch <= '9') ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// path is a dotted attribute path; segments may be #name references
// resolved against the expression attribute names at eval time.
type path []string

func (p path) resolve(names map[string]string) (path, error) {
	out := make(path, len(p))
	for i, seg := range p {
		if strings.HasPrefix(seg, "#") {
			name, ok := names[seg]
			if !ok {
				return nil, errors.NotValidf("unresolved attribute name %q", seg)
			}
			out[i] = name
		} else {
			out[i] = seg
		}
	}
	return out, nil
}

func (p path) get(item value.Item) (value.Value, bool) {
	if len(p) == 0 {
		return value.Value{}, false
	}
	v, ok := item[p[0]]
	if !ok {
		return value.Value{}, false
	}
	for _, seg := range p[1:] {
		if v.M == nil {
			return value.Value{}, false
		}
		v, ok = v.M[seg]
		if !ok {
			return value.Value{}, false
		}
	}
	return v, true
}

func (p path) set(item value.Item, v value.Value) error {
	if len(p) == 1 {
		item[p[0]] = v
		return nil
	}
	parent, ok := item[p[0]]
	if !ok || parent.M == nil {
		return errors.NotValidf("path %s into missing map", strings.Join(p, "."))
	}
	m := parent.M
	for _, seg := range p[1 : len(p)-1] {
		next, ok := m[seg]
		if !ok || next.M == nil {
			return errors.NotValidf("path %s into missing map", strings.Join(p, "."))
		}
		m = next.M
	}
	m[p[len(p)-1]] = v
	return nil
}

func (p path) remove(item value.Item) {
	if len(p) == 1 {
		delete(item, p[0])
		return
	}
	parent, ok := p[:len(p)-1].get(item)
	if ok && parent.M != nil {
		delete(parent.M, p[len(p)-1])
	}
}

// env carries the item and the substitution maps during evaluation.
type env struct {
	item   value.Item
	names  map[string]string
	values map[string]value.Value
}

func (e env) lookupValue(ref string) (value.Value, error) {
	v, ok := e.values[ref]
	if !ok {
		return value.Value{}, errors.NotValidf("unresolved expression value %q", ref)
	}
	return v, nil
}

// operand is either a value reference, a literal attribute path, or a
// function producing a value.
type operand struct {
	ref         string
	path        path
	ifNotExists *ifNotExistsOperand
}

type ifNotExistsOperand struct {
	path     path
	fallback operand
}

func (o operand) eval(e env) (value.Value, bool, error) {
	switch {
	case o.ref != "":
		v, err := e.lookupValue(o.ref)
		if err != nil {
			return value.Value{}, false, errors.Trace(err)
		}
		return v, true, nil
	case o.ifNotExists != nil:
		p, err := o.ifNotExists.path.resolve(e.names)
		if err != nil {
			return value.Value{}, false, errors.Trace(err)
		}
		if v, ok := p.get(e.item); ok {
			return v, true, nil
		}
		return o.ifNotExists.fallback.eval(e)
	default:
		p, err := o.path.resolve(e.names)
		if err != nil {
			return value.Value{}, false, errors.Trace(err)
		}
		v, ok := p.get(e.item)
		return v, ok, nil
	}
}

// Condition AST.

type condNode interface {
	eval(env) (bool, error)
}

type boolNode struct {
	op   string // "AND" or "OR"
	l, r condNode
}

func (n boolNode) eval(e env) (bool, error) {
	l, err := n.l.eval(e)
	if err != nil {
		return false, errors.Trace(err)
	}
	if n.op == "AND" && !l {
		return false, nil
	}
	if n.op == "OR" && l {
		return true, nil
	}
	return n.r.eval(e)
}

type notNode struct {
	inner condNode
}

func (n notNode) eval(e env) (bool, error) {
	v, err := n.inner.eval(e)
	return !v, errors.Trace(err)
}

type cmpNode struct {
	path path
	op   string
	rhs  operand
}

func (n cmpNode) eval(e env) (bool, error) {
	p, err := n.path.resolve(e.names)
	if err != nil {
		return false, errors.Trace(err)
	}
	lhs, ok := p.get(e.item)
	if !ok {
		return false, nil
	}
	rhs, ok, err := n.rhs.eval(e)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !ok {
		return false, nil
	}
	switch n.op {
	case "=":
		return lhs.Equal(rhs), nil
	case "<>":
		return !lhs.Equal(rhs), nil
	}
	cmp, err := lhs.Compare(rhs)
	if err != nil {
		return false, nil
	}
	switch n.op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, errors.NotValidf("comparator %q", n.op)
}

type existsNode struct {
	path path
	want bool
}

func (n existsNode) eval(e env) (bool, error) {
	p, err := n.path.resolve(e.names)
	if err != nil {
		return false, errors.Trace(err)
	}
	_, ok := p.get(e.item)
	return ok == n.want, nil
}

type beginsWithNode struct {
	path path
	rhs  operand
}

func (n beginsWithNode) eval(e env) (bool, error) {
	p, err := n.path.resolve(e.names)
	if err != nil {
		return false, errors.Trace(err)
	}
	lhs, ok := p.get(e.item)
	if !ok || lhs.S == nil {
		return false, nil
	}
	rhs, ok, err := n.rhs.eval(e)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !ok || rhs.S == nil {
		return false, nil
	}
	return strings.HasPrefix(*lhs.S, *rhs.S), nil
}

type betweenNode struct {
	path   path
	lo, hi operand
}

func (n betweenNode) eval(e env) (bool, error) {
	p, err := n.path.resolve(e.names)
	if err != nil {
		return false, errors.Trace(err)
	}
	v, ok := p.get(e.item)
	if !ok {
		return false, nil
	}
	lo, ok, err := n.lo.eval(e)
	if err != nil || !ok {
		return false, errors.Trace(err)
	}
	hi, ok, err := n.hi.eval(e)
	if err != nil || !ok {
		return false, errors.Trace(err)
	}
	cl, err := v.Compare(lo)
	if err != nil {
		return false, nil
	}
	ch, err := v.Compare(hi)
	if err != nil {
		return false, nil
	}
	return cl >= 0 && ch <= 0, nil
}

// ConditionExpr is a parsed condition, filter or key-condition
// expression.
type ConditionExpr struct {
	root condNode
}

// Eval evaluates the condition against an item.
func (c *ConditionExpr) Eval(item value.Item, names map[string]string, values map[string]value.Value) (bool, error) {
	ok, err := c.root.eval(env{item: item, names: names, values: values})
	return ok, errors.Trace(err)
}

// ParseCondition parses a condition expression.
func ParseCondition(expr string) (*ConditionExpr, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, errors.Annotatef(err, "parsing condition %q", expr)
	}
	if p.peek().kind != tokEOF {
		return nil, errors.NotValidf("trailing tokens in condition %q", expr)
	}
	return &ConditionExpr{root: root}, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, errors.NotValidf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, errors.Trace(err)
		}
		left = boolNode{op: "OR", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, errors.Trace(err)
		}
		left = boolNode{op: "AND", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (condNode, error) {
	if p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return notNode{inner: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, errors.Trace(err)
		}
		return inner, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condNode, error) {
	t := p.peek()
	if t.kind == tokIdent {
		switch strings.ToLower(t.text) {
		case "attribute_exists", "attribute_not_exists":
			p.next()
			if _, err := p.expect(tokLParen, "("); err != nil {
				return nil, errors.Trace(err)
			}
			pth, err := p.parsePath()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, errors.Trace(err)
			}
			return existsNode{path: pth, want: strings.EqualFold(t.text, "attribute_exists")}, nil
		case "begins_with":
			p.next()
			if _, err := p.expect(tokLParen, "("); err != nil {
				return nil, errors.Trace(err)
			}
			pth, err := p.parsePath()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, errors.Trace(err)
			}
			rhs, err := p.parseOperand()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, errors.Trace(err)
			}
			return beginsWithNode{path: pth, rhs: rhs}, nil
		}
	}

	pth, err := p.parsePath()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, "BETWEEN") {
		p.next()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if t := p.next(); t.kind != tokIdent || !strings.EqualFold(t.text, "AND") {
			return nil, errors.NotValidf("expected AND in BETWEEN, got %q", t.text)
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return betweenNode{path: pth, lo: lo, hi: hi}, nil
	}
	op, err := p.expect(tokOp, "comparator")
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch op.text {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, errors.NotValidf("comparator %q", op.text)
	}
	rhs, err := p.parseOperand()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cmpNode{path: pth, op: op.text, rhs: rhs}, nil
}

func (p *parser) parsePath() (path, error) {
	var pth path
	t := p.next()
	if t.kind != tokIdent && t.kind != tokNameRef {
		return nil, errors.NotValidf("expected attribute path, got %q", t.text)
	}
	pth = append(pth, t.text)
	for p.peek().kind == tokDot {
		p.next()
		t := p.next()
		if t.kind != tokIdent && t.kind != tokNameRef {
			return nil, errors.NotValidf("expected path segment, got %q", t.text)
		}
		pth = append(pth, t.text)
	}
	return pth, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch t.kind {
	case tokValueRef:
		p.next()
		return operand{ref: t.text}, nil
	case tokIdent:
		if strings.EqualFold(t.text, "if_not_exists") {
			p.next()
			if _, err := p.expect(tokLParen, "("); err != nil {
				return operand{}, errors.Trace(err)
			}
			pth, err := p.parsePath()
			if err != nil {
				return operand{}, errors.Trace(err)
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return operand{}, errors.Trace(err)
			}
			fallback, err := p.parseOperand()
			if err != nil {
				return operand{}, errors.Trace(err)
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return operand{}, errors.Trace(err)
			}
			return operand{ifNotExists: &ifNotExistsOperand{path: pth, fallback: fallback}}, nil
		}
		fallthrough
	case tokNameRef:
		pth, err := p.parsePath()
		if err != nil {
			return operand{}, errors.Trace(err)
		}
		return operand{path: pth}, nil
	}
	return operand{}, errors.NotValidf("expected operand, got %q", t.text)
}

// Update AST.

type setAction struct {
	path path
	rhs  operand
	// arithmetic: rhs (+|-) arith
	arithOp string
	arith   operand
}

type addAction struct {
	path path
	ref  string
}

type removeAction struct {
	path path
}

type deleteAction struct {
	path path
	ref  string
}

// UpdateExpr is a parsed update expression.
type UpdateExpr struct {
	sets    []setAction
	removes []removeAction
	adds    []addAction
	deletes []deleteAction
}

// ParseUpdate parses an update expression: one or more of the SET,
// REMOVE, ADD and DELETE clauses.
func ParseUpdate(expr string) (*UpdateExpr, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := &parser{toks: toks}
	u := &UpdateExpr{}
	seen := map[string]bool{}
	for p.peek().kind != tokEOF {
		t := p.next()
		if t.kind != tokIdent {
			return nil, errors.NotValidf("expected update clause, got %q", t.text)
		}
		clause := strings.ToUpper(t.text)
		if seen[clause] {
			return nil, errors.NotValidf("duplicate %s clause", clause)
		}
		seen[clause] = true
		switch clause {
		case "SET":
			if err := p.parseSetClause(u); err != nil {
				return nil, errors.Annotatef(err, "parsing update %q", expr)
			}
		case "REMOVE":
			if err := p.parseRemoveClause(u); err != nil {
				return nil, errors.Annotatef(err, "parsing update %q", expr)
			}
		case "ADD":
			if err := p.parseAddClause(u); err != nil {
				return nil, errors.Annotatef(err, "parsing update %q", expr)
			}
		case "DELETE":
			if err := p.parseDeleteClause(u); err != nil {
				return nil, errors.Annotatef(err, "parsing update %q", expr)
			}
		default:
			return nil, errors.NotValidf("update clause %q", t.text)
		}
	}
	if len(u.sets)+len(u.removes)+len(u.adds)+len(u.deletes) == 0 {
		return nil, errors.NotValidf("empty update expression")
	}
	return u, nil
}

func (p *parser) atClauseBoundary() bool {
	t := p.peek()
	if t.kind != tokIdent {
		return false
	}
	switch strings.ToUpper(t.text) {
	case "SET", "REMOVE", "ADD", "DELETE":
		return true
	}
	return false
}

func (p *parser) parseSetClause(u *UpdateExpr) error {
	for {
		pth, err := p.parsePath()
		if err != nil {
			return errors.Trace(err)
		}
		if t, err := p.expect(tokOp, "="); err != nil || t.text != "=" {
			return errors.NotValidf("expected = in SET clause")
		}
		rhs, err := p.parseOperand()
		if err != nil {
			return errors.Trace(err)
		}
		action := setAction{path: pth, rhs: rhs}
		if t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-") {
			p.next()
			arith, err := p.parseOperand()
			if err != nil {
				return errors.Trace(err)
			}
			action.arithOp = t.text
			action.arith = arith
		}
		u.sets = append(u.sets, action)
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseRemoveClause(u *UpdateExpr) error {
	for {
		pth, err := p.parsePath()
		if err != nil {
			return errors.Trace(err)
		}
		u.removes = append(u.removes, removeAction{path: pth})
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseAddClause(u *UpdateExpr) error {
	for {
		pth, err := p.parsePath()
		if err != nil {
			return errors.Trace(err)
		}
		ref, err := p.expect(tokValueRef, "value reference")
		if err != nil {
			return errors.Trace(err)
		}
		u.adds = append(u.adds, addAction{path: pth, ref: ref.text})
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

func (p *parser) parseDeleteClause(u *UpdateExpr) error {
	for {
		pth, err := p.parsePath()
		if err != nil {
			return errors.Trace(err)
		}
		ref, err := p.expect(tokValueRef, "value reference")
		if err != nil {
			return errors.Trace(err)
		}
		u.deletes = append(u.deletes, deleteAction{path: pth, ref: ref.text})
		if p.peek().kind != tokComma {
			return nil
		}
		p.next()
	}
}

// Apply evaluates the update against a copy of item and returns the
// result; the input item is not mutated.
func (u *UpdateExpr) Apply(item value.Item, names map[string]string, values map[string]value.Value) (value.Item, error) {
	out := item.Clone()
	if out == nil {
		out = value.Item{}
	}
	e := env{item: out, names: names, values: values}

	for _, action := range u.sets {
		v, ok, err := action.rhs.eval(e)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			return nil, errors.NotValidf("SET operand resolves to no value")
		}
		if action.arithOp != "" {
			rhs, ok, err := action.arith.eval(e)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if !ok {
				return nil, errors.NotValidf("SET arithmetic operand resolves to no value")
			}
			v, err = arithmetic(v, action.arithOp, rhs)
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
		pth, err := action.path.resolve(names)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := pth.set(out, v); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for _, action := range u.removes {
		pth, err := action.path.resolve(names)
		if err != nil {
			return nil, errors.Trace(err)
		}
		pth.remove(out)
	}
	for _, action := range u.adds {
		pth, err := action.path.resolve(names)
		if err != nil {
			return nil, errors.Trace(err)
		}
		operand, err := e.lookupValue(action.ref)
		if err != nil {
			return nil, errors.Trace(err)
		}
		current, ok := pth.get(out)
		if !ok {
			if err := pth.set(out, operand); err != nil {
				return nil, errors.Trace(err)
			}
			continue
		}
		merged, err := addValues(current, operand)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := pth.set(out, merged); err != nil {
			return nil, errors.Trace(err)
		}
	}
	for _, action := range u.deletes {
		pth, err := action.path.resolve(names)
		if err != nil {
			return nil, errors.Trace(err)
		}
		operand, err := e.lookupValue(action.ref)
		if err != nil {
			return nil, errors.Trace(err)
		}
		current, ok := pth.get(out)
		if !ok {
			continue
		}
		reduced, err := deleteValues(current, operand)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := pth.set(out, reduced); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return out, nil
}

func arithmetic(l value.Value, op string, r value.Value) (value.Value, error) {
	if l.N == nil || r.N == nil {
		return value.Value{}, errors.NotValidf("arithmetic on non-numeric values")
	}
	lf, ok := new(big.Float).SetString(*l.N)
	if !ok {
		return value.Value{}, errors.NotValidf("number %q", *l.N)
	}
	rf, ok := new(big.Float).SetString(*r.N)
	if !ok {
		return value.Value{}, errors.NotValidf("number %q", *r.N)
	}
	if op == "-" {
		lf.Sub(lf, rf)
	} else {
		lf.Add(lf, rf)
	}
	return value.Number(lf.Text('f', -1)), nil
}

func addValues(current, operand value.Value) (value.Value, error) {
	switch {
	case current.N != nil && operand.N != nil:
		return arithmetic(current, "+", operand)
	case current.SS != nil && operand.SS != nil:
		return value.Value{SS: unionStrings(current.SS, operand.SS)}, nil
	case current.NS != nil && operand.NS != nil:
		return value.Value{NS: unionStrings(current.NS, operand.NS)}, nil
	}
	return value.Value{}, errors.NotValidf("ADD between %s and %s", current.TypeName(), operand.TypeName())
}

func deleteValues(current, operand value.Value) (value.Value, error) {
	switch {
	case current.SS != nil && operand.SS != nil:
		return value.Value{SS: subtractStrings(current.SS, operand.SS)}, nil
	case current.NS != nil && operand.NS != nil:
		return value.Value{NS: subtractStrings(current.NS, operand.NS)}, nil
	}
	return value.Value{}, errors.NotValidf("DELETE between %s and %s", current.TypeName(), operand.TypeName())
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtractStrings(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, s := range b {
		drop[s] = true
	}
	var out []string
	for _, s := range a {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
