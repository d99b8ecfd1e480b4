// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/juju/clock"

	"github.com/localdevkit/ldk/internal/logstream"
)

// MaxBodyCapture bounds how much of a request or response body lands
// in the log record.
const MaxBodyCapture = 4096

// RequestLogger emits one structured record per request and
// multicasts it to log-stream subscribers.
type RequestLogger struct {
	clock clock.Clock
	hub   *logstream.Hub
}

// NewRequestLogger returns a request logger feeding the hub. A nil
// hub just logs.
func NewRequestLogger(clk clock.Clock, hub *logstream.Hub) *RequestLogger {
	return &RequestLogger{clock: clk, hub: hub}
}

// requestRecord is the structured shape of one request log entry.
type requestRecord struct {
	Service      string `json:"service"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	Handler      string `json:"handler,omitempty"`
	DurationMS   int64  `json:"duration-ms"`
	StatusCode   int    `json:"status-code"`
	RequestBody  string `json:"request-body,omitempty"`
	ResponseBody string `json:"response-body,omitempty"`
}

// Wrap captures method, path, operation, duration, status and
// size-bounded bodies for every request through handler.
func (l *RequestLogger) Wrap(service string, extract OpExtractor, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody []byte
		if r.Body != nil {
			var err error
			reqBody, err = io.ReadAll(io.LimitReader(r.Body, MaxBodyCapture+1))
			if err == nil {
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(reqBody), r.Body))
			}
		}

		var op string
		if extract != nil {
			op = extract(r)
		}
		capture := &captureWriter{inner: w, status: http.StatusOK}
		start := l.clock.Now()
		handler.ServeHTTP(capture, r)
		elapsed := l.clock.Now().Sub(start)

		record := requestRecord{
			Service:      service,
			Method:       r.Method,
			Path:         r.URL.Path,
			Handler:      op,
			DurationMS:   elapsed.Milliseconds(),
			StatusCode:   capture.status,
			RequestBody:  truncate(reqBody),
			ResponseBody: truncate(capture.body.Bytes()),
		}
		logger.Debugf("%s %s %s op=%s status=%d in %s",
			service, r.Method, r.URL.Path, op, capture.status, elapsed)
		if l.hub != nil {
			message, err := json.Marshal(record)
			if err != nil {
				logger.Errorf("encoding request record: %v", err)
				return
			}
			l.hub.Publish(logstream.Entry{
				Time:    start,
				Level:   "INFO",
				Module:  "ldk.request." + service,
				Message: string(message),
			})
		}
	})
}

func truncate(body []byte) string {
	if len(body) > MaxBodyCapture {
		return string(body[:MaxBodyCapture]) + "...(truncated)"
	}
	return string(body)
}

// captureWriter tees the response while remembering the status code
// and a bounded copy of the body.
type captureWriter struct {
	inner  http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (w *captureWriter) Header() http.Header {
	return w.inner.Header()
}

func (w *captureWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.inner.WriteHeader(status)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.wrote = true
	if remaining := MaxBodyCapture + 1 - w.body.Len(); remaining > 0 {
		if len(p) > remaining {
			w.body.Write(p[:remaining])
		} else {
			w.body.Write(p)
		}
	}
	return w.inner.Write(p)
}

var _ http.ResponseWriter = (*captureWriter)(nil)

// Unwrap lets chaos reach the underlying connection through the
// capture layer.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.inner
}
