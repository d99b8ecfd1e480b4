// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command ldkd runs the local development emulator: it loads the
// declared resources from a config file, starts one server per
// enabled service and runs until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/localdevkit/ldk/internal/config"
	"github.com/localdevkit/ldk/internal/engine/compute"
	"github.com/localdevkit/ldk/internal/logstream"
	"github.com/localdevkit/ldk/internal/server"
)

var logger = loggo.GetLogger("ldk.cmd")

func main() {
	configPath := flag.String("config", "ldk.yaml", "path to the config file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "ldkd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return errors.Trace(err)
	}

	level := doc.Options.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "INFO"
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		return errors.Trace(err)
	}

	hub := logstream.NewHub()
	if err := loggo.RegisterWriter("stream", hub.Writer()); err != nil {
		return errors.Trace(err)
	}

	sup, err := server.NewSupervisor(server.SupervisorConfig{
		Clock:  clock.WallClock,
		Config: doc,
		Runner: echoRunner{},
		Hub:    hub,
	})
	if err != nil {
		return errors.Trace(err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("received %v, shutting down", sig)
		sup.Kill()
	}()

	return errors.Trace(sup.Wait())
}

// echoRunner satisfies the invoke contract without executing user
// code: it logs the call and returns the payload unchanged. Runtime
// subprocess execution plugs in behind the same interface.
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, fn compute.Function, payload json.RawMessage) (json.RawMessage, *compute.FunctionError, error) {
	logger.Infof("invoking %q (%s): %d byte payload", fn.Name, fn.Runtime, len(payload))
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return payload, nil, nil
}
