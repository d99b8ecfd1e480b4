// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package table

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/core/value"
)

type expressionSuite struct{}

var _ = gc.Suite(&expressionSuite{})

func item(kv map[string]value.Value) value.Item {
	return value.Item(kv)
}

func (s *expressionSuite) TestConditionExists(c *gc.C) {
	cond, err := ParseCondition("attribute_exists(pk)")
	c.Assert(err, jc.ErrorIsNil)

	ok, err := cond.Eval(item(map[string]value.Value{"pk": value.String("x")}), nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)

	ok, err = cond.Eval(value.Item{}, nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsFalse)
}

func (s *expressionSuite) TestConditionNotExists(c *gc.C) {
	cond, err := ParseCondition("attribute_not_exists(pk)")
	c.Assert(err, jc.ErrorIsNil)

	ok, err := cond.Eval(nil, nil, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
}

func (s *expressionSuite) TestConditionComparisons(c *gc.C) {
	it := item(map[string]value.Value{
		"n": value.Number("10"),
		"s": value.String("hello"),
	})
	values := map[string]value.Value{
		":five": value.Number("5"),
		":hi":   value.String("hello"),
	}

	for expr, want := range map[string]bool{
		"n > :five":               true,
		"n <= :five":              false,
		"n <> :five":              true,
		"s = :hi":                 true,
		"n > :five AND s = :hi":   true,
		"n < :five OR s = :hi":    true,
		"NOT s = :hi":             false,
		"begins_with(s, :hi)":     true,
		"n BETWEEN :five AND :hi": false, // type mismatch never matches
	} {
		cond, err := ParseCondition(expr)
		c.Assert(err, jc.ErrorIsNil, gc.Commentf("%s", expr))
		ok, err := cond.Eval(it, nil, values)
		c.Assert(err, jc.ErrorIsNil, gc.Commentf("%s", expr))
		c.Check(ok, gc.Equals, want, gc.Commentf("%s", expr))
	}
}

func (s *expressionSuite) TestConditionNameSubstitution(c *gc.C) {
	cond, err := ParseCondition("#st = :v")
	c.Assert(err, jc.ErrorIsNil)
	ok, err := cond.Eval(
		item(map[string]value.Value{"status": value.String("ok")}),
		map[string]string{"#st": "status"},
		map[string]value.Value{":v": value.String("ok")},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
}

func (s *expressionSuite) TestConditionNestedPath(c *gc.C) {
	cond, err := ParseCondition("meta.owner = :v")
	c.Assert(err, jc.ErrorIsNil)
	it := item(map[string]value.Value{
		"meta": value.Map(map[string]value.Value{"owner": value.String("ann")}),
	})
	ok, err := cond.Eval(it, nil, map[string]value.Value{":v": value.String("ann")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
}

func (s *expressionSuite) TestConditionNumericEquality(c *gc.C) {
	cond, err := ParseCondition("n = :v")
	c.Assert(err, jc.ErrorIsNil)
	ok, err := cond.Eval(
		item(map[string]value.Value{"n": value.Number("1.0")}),
		nil,
		map[string]value.Value{":v": value.Number("1")},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ok, jc.IsTrue)
}

func (s *expressionSuite) TestUpdateSet(c *gc.C) {
	upd, err := ParseUpdate("SET v = :v, meta.owner = :o")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{
			"meta": value.Map(map[string]value.Value{}),
		}),
		nil,
		map[string]value.Value{
			":v": value.String("b"),
			":o": value.String("ann"),
		},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got["v"].S, gc.NotNil)
	c.Check(*got["v"].S, gc.Equals, "b")
	c.Check(*got["meta"].M["owner"].S, gc.Equals, "ann")
}

func (s *expressionSuite) TestUpdateSetArithmetic(c *gc.C) {
	upd, err := ParseUpdate("SET counter = counter + :one")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{"counter": value.Number("41")}),
		nil,
		map[string]value.Value{":one": value.Number("1")},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got["counter"].N, gc.Equals, "42")
}

func (s *expressionSuite) TestUpdateSetIfNotExists(c *gc.C) {
	upd, err := ParseUpdate("SET v = if_not_exists(v, :d)")
	c.Assert(err, jc.ErrorIsNil)

	got, err := upd.Apply(value.Item{}, nil, map[string]value.Value{":d": value.String("default")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got["v"].S, gc.Equals, "default")

	got, err = upd.Apply(
		item(map[string]value.Value{"v": value.String("kept")}),
		nil, map[string]value.Value{":d": value.String("default")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got["v"].S, gc.Equals, "kept")
}

func (s *expressionSuite) TestUpdateRemove(c *gc.C) {
	upd, err := ParseUpdate("REMOVE gone SET v = :v")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{"gone": value.String("x")}),
		nil, map[string]value.Value{":v": value.String("y")})
	c.Assert(err, jc.ErrorIsNil)
	_, present := got["gone"]
	c.Check(present, jc.IsFalse)
	c.Check(*got["v"].S, gc.Equals, "y")
}

func (s *expressionSuite) TestUpdateAddNumber(c *gc.C) {
	upd, err := ParseUpdate("ADD n :delta")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{"n": value.Number("1")}),
		nil, map[string]value.Value{":delta": value.Number("2")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got["n"].N, gc.Equals, "3")
}

func (s *expressionSuite) TestUpdateAddStringSet(c *gc.C) {
	upd, err := ParseUpdate("ADD tags :more")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{"tags": {SS: []string{"a", "b"}}}),
		nil, map[string]value.Value{":more": {SS: []string{"b", "c"}}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got["tags"].SS, jc.DeepEquals, []string{"a", "b", "c"})
}

func (s *expressionSuite) TestUpdateDeleteFromSet(c *gc.C) {
	upd, err := ParseUpdate("DELETE tags :drop")
	c.Assert(err, jc.ErrorIsNil)
	got, err := upd.Apply(
		item(map[string]value.Value{"tags": {SS: []string{"a", "b", "c"}}}),
		nil, map[string]value.Value{":drop": {SS: []string{"b"}}})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got["tags"].SS, jc.DeepEquals, []string{"a", "c"})
}

func (s *expressionSuite) TestUpdateDoesNotMutateInput(c *gc.C) {
	upd, err := ParseUpdate("SET v = :v")
	c.Assert(err, jc.ErrorIsNil)
	in := item(map[string]value.Value{"v": value.String("before")})
	_, err = upd.Apply(in, nil, map[string]value.Value{":v": value.String("after")})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*in["v"].S, gc.Equals, "before")
}

func (s *expressionSuite) TestParseErrors(c *gc.C) {
	for _, expr := range []string{
		"", "attribute_exists(", "a ~ :v", "SET", "SET a", "a = ",
	} {
		if _, err := ParseCondition(expr); err == nil {
			if _, err := ParseUpdate(expr); err == nil {
				c.Errorf("expected parse failure for %q", expr)
			}
		}
	}
}
