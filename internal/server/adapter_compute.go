// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/localdevkit/ldk/internal/engine/compute"
	"github.com/localdevkit/ldk/internal/wire"
)

// functionErrorHeader flags a handler failure on an otherwise
// successful invocation response.
const functionErrorHeader = "X-Amz-Function-Error"

// computeAdapter translates the invocation REST dialect into compute
// calls.
type computeAdapter struct {
	engine *compute.Engine
	router *mux.Router
}

// newComputeAdapter wires the compute engine into the REST dialect.
func newComputeAdapter(engine *compute.Engine) *computeAdapter {
	a := &computeAdapter{engine: engine, router: mux.NewRouter()}
	a.router.HandleFunc("/2015-03-31/functions/{name}/invocations", a.invoke).Methods("POST")
	a.router.HandleFunc("/2015-03-31/functions", a.list).Methods("GET")
	a.router.HandleFunc("/2015-03-31/functions/{name}", a.describe).Methods("GET")
	return a
}

func (a *computeAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *computeAdapter) invoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		wire.WriteJSONError(w, errors.NotValidf("request body: %v", err))
		return
	}
	result, funcErr, err := a.engine.Invoke(r.Context(), name, payload)
	if err != nil {
		wire.WriteJSONError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if funcErr != nil {
		w.Header().Set(functionErrorHeader, "Unhandled")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(funcErr)
		return
	}
	w.WriteHeader(http.StatusOK)
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	w.Write(result)
}

func (a *computeAdapter) list(w http.ResponseWriter, r *http.Request) {
	functions := a.engine.List()
	members := make([]map[string]interface{}, len(functions))
	for i, fn := range functions {
		members[i] = renderFunction(fn)
	}
	wire.WriteJSON(w, map[string]interface{}{"Functions": members})
}

func (a *computeAdapter) describe(w http.ResponseWriter, r *http.Request) {
	fn, err := a.engine.Describe(mux.Vars(r)["name"])
	if err != nil {
		wire.WriteJSONError(w, err)
		return
	}
	wire.WriteJSON(w, map[string]interface{}{"Configuration": renderFunction(fn)})
}

func renderFunction(fn compute.Function) map[string]interface{} {
	return map[string]interface{}{
		"FunctionName": fn.Name,
		"Runtime":      fn.Runtime,
		"Handler":      fn.Handler,
		"Timeout":      int(fn.Timeout / time.Second),
		"MemorySize":   fn.MemoryMB,
	}
}

// extractComputeOp maps the invocation dialect onto operation names
// for the middleware chain.
func extractComputeOp(r *http.Request) string {
	switch {
	case strings.HasSuffix(r.URL.Path, "/invocations") && r.Method == "POST":
		return "invoke"
	case r.Method == "GET" && strings.HasSuffix(r.URL.Path, "/functions"):
		return "list-functions"
	case r.Method == "GET":
		return "get-function"
	}
	return ""
}
