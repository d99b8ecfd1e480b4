// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package statemachine

import (
	"encoding/json"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type pathsSuite struct{}

var _ = gc.Suite(&pathsSuite{})

func decode(c *gc.C, text string) interface{} {
	var v interface{}
	c.Assert(json.Unmarshal([]byte(text), &v), jc.ErrorIsNil)
	return v
}

func (s *pathsSuite) TestGetPathRoot(c *gc.C) {
	data := decode(c, `{"a": 1}`)
	got, err := getPath(data, "$")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, data)
}

func (s *pathsSuite) TestGetPathNested(c *gc.C) {
	data := decode(c, `{"a": {"b": [10, 20, 30]}}`)
	got, err := getPath(data, "$.a.b[1]")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, float64(20))
}

func (s *pathsSuite) TestGetPathMissing(c *gc.C) {
	data := decode(c, `{"a": 1}`)
	_, err := getPath(data, "$.b")
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = getPath(data, "$.a.b")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *pathsSuite) TestSetPathReplacesRoot(c *gc.C) {
	got, err := setPath(decode(c, `{"a": 1}`), "$", "new")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, "new")
}

func (s *pathsSuite) TestSetPathCreatesIntermediates(c *gc.C) {
	got, err := setPath(decode(c, `{"a": 1}`), "$.b.c", float64(2))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]interface{}{
		"a": float64(1),
		"b": map[string]interface{}{"c": float64(2)},
	})
}

func (s *pathsSuite) TestSetPathIntoNil(c *gc.C) {
	got, err := setPath(nil, "$.out", "x")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]interface{}{"out": "x"})
}

func (s *pathsSuite) TestApplyParametersTemplating(c *gc.C) {
	input := decode(c, `{"order": {"id": "o-1", "total": 40}}`)
	template := decode(c, `{
		"id.$": "$.order.id",
		"static": "yes",
		"nested": {"total.$": "$.order.total"}
	}`)
	got, err := applyParameters(template, input, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]interface{}{
		"id":     "o-1",
		"static": "yes",
		"nested": map[string]interface{}{"total": float64(40)},
	})
}

func (s *pathsSuite) TestApplyParametersContextPath(c *gc.C) {
	ctx := decode(c, `{"Map": {"Item": {"Value": "v", "Index": 3}}}`)
	template := decode(c, `{"item.$": "$$.Map.Item.Value", "i.$": "$$.Map.Item.Index"}`)
	got, err := applyParameters(template, nil, ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]interface{}{
		"item": "v",
		"i":    float64(3),
	})
}

func (s *pathsSuite) TestApplyParametersMissingPath(c *gc.C) {
	template := decode(c, `{"x.$": "$.missing"}`)
	_, err := applyParameters(template, decode(c, `{}`), nil)
	c.Check(err, gc.NotNil)
}

type choiceSuite struct{}

var _ = gc.Suite(&choiceSuite{})

func rule(c *gc.C, text string) ChoiceRule {
	var r ChoiceRule
	c.Assert(json.Unmarshal([]byte(text), &r), jc.ErrorIsNil)
	return r
}

func (s *choiceSuite) TestComparisons(c *gc.C) {
	input := decode(c, `{"n": 5, "s": "mid", "b": true}`)
	for text, want := range map[string]bool{
		`{"Variable": "$.n", "NumericEquals": 5}`:             true,
		`{"Variable": "$.n", "NumericLessThan": 5}`:           false,
		`{"Variable": "$.n", "NumericLessThanEquals": 5}`:     true,
		`{"Variable": "$.n", "NumericGreaterThan": 4}`:        true,
		`{"Variable": "$.s", "StringEquals": "mid"}`:          true,
		`{"Variable": "$.s", "StringLessThan": "zzz"}`:        true,
		`{"Variable": "$.b", "BooleanEquals": true}`:          true,
		`{"Variable": "$.missing", "NumericEquals": 1}`:       false,
		`{"Variable": "$.missing", "IsPresent": false}`:       true,
		`{"Variable": "$.n", "IsPresent": true}`:              true,
		`{"Variable": "$.s", "NumericEquals": 5}`:             false,
	} {
		got, err := rule(c, text).match(input)
		c.Assert(err, jc.ErrorIsNil, gc.Commentf("%s", text))
		c.Check(got, gc.Equals, want, gc.Commentf("%s", text))
	}
}

func (s *choiceSuite) TestCombinators(c *gc.C) {
	input := decode(c, `{"n": 5}`)
	and := rule(c, `{"And": [
		{"Variable": "$.n", "NumericGreaterThan": 1},
		{"Variable": "$.n", "NumericLessThan": 10}
	]}`)
	got, err := and.match(input)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.IsTrue)

	or := rule(c, `{"Or": [
		{"Variable": "$.n", "NumericEquals": 1},
		{"Variable": "$.n", "NumericEquals": 5}
	]}`)
	got, err = or.match(input)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.IsTrue)

	not := rule(c, `{"Not": {"Variable": "$.n", "NumericEquals": 5}}`)
	got, err = not.match(input)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.IsFalse)
}
