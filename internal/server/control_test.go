// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/juju/clock"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/localdevkit/ldk/internal/engine/paramstore"
	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/logstream"
	"github.com/localdevkit/ldk/internal/middleware"
)

type controlSuite struct {
	jujutesting.IsolationSuite

	queues  *queue.Engine
	params  *paramstore.Engine
	chaos   *middleware.Injector
	mocks   *middleware.MockTable
	hub     *logstream.Hub
	handler http.Handler
}

var _ = gc.Suite(&controlSuite{})

func (s *controlSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	var err error
	s.queues, err = queue.NewEngine(clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	s.params, err = paramstore.NewEngine(clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	s.chaos = middleware.NewInjector(clock.WallClock, 1)
	s.mocks = middleware.NewMockTable(clock.WallClock)
	s.hub = logstream.NewHub()

	s.handler, err = NewControlPlane(ControlConfig{
		Queues: s.queues,
		Params: s.params,
		Chaos:  s.chaos,
		Mocks:  s.mocks,
		LogHub: s.hub,
		Health: func() map[string]interface{} {
			return map[string]interface{}{"servers": 2}
		},
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *controlSuite) get(c *gc.C, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Code == http.StatusOK {
		c.Assert(json.Unmarshal(rec.Body.Bytes(), &out), jc.ErrorIsNil)
	}
	return rec, out
}

func (s *controlSuite) post(c *gc.C, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *controlSuite) TestResourcesInventory(c *gc.C) {
	c.Assert(s.queues.Create("orders", queue.QueueAttributes{}), jc.ErrorIsNil)
	_, err := s.params.Put("/app/db-host", paramstore.TypeString, "localhost", false)
	c.Assert(err, jc.ErrorIsNil)

	rec, out := s.get(c, "/_ldk/resources")
	c.Assert(rec.Code, gc.Equals, http.StatusOK)
	c.Check(out["queues"], jc.DeepEquals, []interface{}{"orders"})
	c.Check(out["parameters"], jc.DeepEquals, []interface{}{"/app/db-host"})
	_, hasTables := out["tables"]
	c.Check(hasTables, jc.IsFalse)
}

func (s *controlSuite) TestChaosRoundTrip(c *gc.C) {
	rec := s.post(c, "/_ldk/chaos", `{"queue": {"timeout-rate": 0.5}}`)
	c.Assert(rec.Code, gc.Equals, http.StatusOK)

	rec, out := s.get(c, "/_ldk/chaos")
	c.Assert(rec.Code, gc.Equals, http.StatusOK)
	queueCfg, ok := out["queue"].(map[string]interface{})
	c.Assert(ok, jc.IsTrue)
	c.Check(queueCfg["timeout-rate"], gc.Equals, 0.5)
}

func (s *controlSuite) TestChaosRejectsBadRate(c *gc.C) {
	rec := s.post(c, "/_ldk/chaos", `{"queue": {"timeout-rate": 2.0}}`)
	c.Assert(rec.Code, gc.Equals, http.StatusBadRequest)
}

func (s *controlSuite) TestMockRoundTrip(c *gc.C) {
	rec := s.post(c, "/_ldk/aws-mock", `{
		"enabled": true,
		"rules": [{"service": "queue", "operation": "send-message", "status": 500, "body": "boom"}]
	}`)
	c.Assert(rec.Code, gc.Equals, http.StatusOK)

	rec, out := s.get(c, "/_ldk/aws-mock")
	c.Assert(rec.Code, gc.Equals, http.StatusOK)
	c.Check(out["enabled"], jc.IsTrue)
	rules, ok := out["rules"].([]interface{})
	c.Assert(ok, jc.IsTrue)
	c.Check(rules, gc.HasLen, 1)
}

func (s *controlSuite) TestHealth(c *gc.C) {
	rec, out := s.get(c, "/_ldk/health")
	c.Assert(rec.Code, gc.Equals, http.StatusOK)
	c.Check(out["servers"], gc.Equals, float64(2))
}
