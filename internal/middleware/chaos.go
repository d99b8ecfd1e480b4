// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package middleware

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/localdevkit/ldk/core/ldkerrors"
)

// chaosTimeoutDelay is how long a synthesized timeout stalls before
// answering.
const chaosTimeoutDelay = 5 * time.Second

// ChaosError is one weighted synthetic error.
type ChaosError struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Weight  float64 `json:"weight"`
}

// ChaosConfig is one service's failure-injection settings. All rates
// are probabilities in [0, 1].
type ChaosConfig struct {
	ConnectionResetRate float64      `json:"connection-reset-rate"`
	TimeoutRate         float64      `json:"timeout-rate"`
	LatencyMinMS        int          `json:"latency-min-ms"`
	LatencyMaxMS        int          `json:"latency-max-ms"`
	ErrorRate           float64      `json:"error-rate"`
	Errors              []ChaosError `json:"errors,omitempty"`
}

// Validate ensures the config values are valid.
func (c *ChaosConfig) Validate() error {
	for _, rate := range []float64{c.ConnectionResetRate, c.TimeoutRate, c.ErrorRate} {
		if rate < 0 || rate > 1 {
			return errors.NotValidf("rate %v", rate)
		}
	}
	if c.LatencyMinMS < 0 || c.LatencyMaxMS < c.LatencyMinMS {
		return errors.NotValidf("latency range [%d, %d]", c.LatencyMinMS, c.LatencyMaxMS)
	}
	if c.ErrorRate > 0 && len(c.Errors) == 0 {
		return errors.NotValidf("error rate without errors")
	}
	for _, e := range c.Errors {
		if e.Code == "" {
			return errors.NotValidf("error with empty code")
		}
		if e.Weight <= 0 {
			return errors.NotValidf("error weight %v", e.Weight)
		}
	}
	return nil
}

// Injector holds per-service chaos settings and injects failures
// ahead of the real handler.
type Injector struct {
	clock clock.Clock

	mu       sync.RWMutex
	rand     *rand.Rand
	services map[string]ChaosConfig
}

// NewInjector returns a quiet injector; chaos starts when the control
// plane sets a config.
func NewInjector(clk clock.Clock, seed int64) *Injector {
	return &Injector{
		clock:    clk,
		rand:     rand.New(rand.NewSource(seed)),
		services: make(map[string]ChaosConfig),
	}
}

// SetConfig replaces one service's chaos settings.
func (i *Injector) SetConfig(service string, cfg ChaosConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.services[service] = cfg
	return nil
}

// Snapshot returns all current chaos settings for the control plane.
func (i *Injector) Snapshot() map[string]ChaosConfig {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]ChaosConfig, len(i.services))
	for service, cfg := range i.services {
		out[service] = cfg
	}
	return out
}

func (i *Injector) roll() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rand.Float64()
}

// Wrap injects configured failures ahead of handler.
func (i *Injector) Wrap(service string, writeError ErrorWriter, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.mu.RLock()
		cfg, ok := i.services[service]
		i.mu.RUnlock()
		if !ok {
			handler.ServeHTTP(w, r)
			return
		}

		if cfg.ConnectionResetRate > 0 && i.roll() < cfg.ConnectionResetRate {
			logger.Debugf("chaos: resetting %s connection", service)
			panic(http.ErrAbortHandler)
		}
		if cfg.TimeoutRate > 0 && i.roll() < cfg.TimeoutRate {
			logger.Debugf("chaos: timing out %s request", service)
			i.sleep(r, chaosTimeoutDelay)
			i.write(w, r, writeError, ldkerrors.WithCode(
				errors.Timeoutf("request timed out"), "RequestTimeout"))
			return
		}
		if cfg.LatencyMaxMS > 0 {
			window := cfg.LatencyMaxMS - cfg.LatencyMinMS
			latency := cfg.LatencyMinMS
			if window > 0 {
				latency += int(i.roll() * float64(window))
			}
			i.sleep(r, time.Duration(latency)*time.Millisecond)
		}
		if cfg.ErrorRate > 0 && i.roll() < cfg.ErrorRate {
			chosen := pickWeighted(cfg.Errors, i.roll())
			logger.Debugf("chaos: injecting %s on %s", chosen.Code, service)
			i.write(w, r, writeError, ldkerrors.WithCode(
				ldkerrors.Internalf("%s", chosen.Message), chosen.Code))
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func (i *Injector) sleep(r *http.Request, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-i.clock.After(d):
	case <-r.Context().Done():
	}
}

func (i *Injector) write(w http.ResponseWriter, r *http.Request, writeError ErrorWriter, err error) {
	if writeError != nil {
		writeError(w, r, err)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// pickWeighted selects an error by normalized weight; roll is in
// [0, 1).
func pickWeighted(choices []ChaosError, roll float64) ChaosError {
	var total float64
	for _, e := range choices {
		total += e.Weight
	}
	target := roll * total
	for _, e := range choices {
		target -= e.Weight
		if target < 0 {
			return e
		}
	}
	return choices[len(choices)-1]
}
