// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/localdevkit/ldk/core/changestream"
	"github.com/localdevkit/ldk/core/matcher"
	"github.com/localdevkit/ldk/internal/config"
	"github.com/localdevkit/ldk/internal/engine/compute"
	"github.com/localdevkit/ldk/internal/engine/eventbus"
	"github.com/localdevkit/ldk/internal/engine/identity"
	"github.com/localdevkit/ldk/internal/engine/objectstore"
	"github.com/localdevkit/ldk/internal/engine/paramstore"
	"github.com/localdevkit/ldk/internal/engine/queue"
	"github.com/localdevkit/ldk/internal/engine/secretstore"
	"github.com/localdevkit/ldk/internal/engine/statemachine"
	"github.com/localdevkit/ldk/internal/engine/table"
	"github.com/localdevkit/ldk/internal/engine/table/streamer"
	"github.com/localdevkit/ldk/internal/engine/topic"
	"github.com/localdevkit/ldk/internal/fabric"
	"github.com/localdevkit/ldk/internal/logstream"
	"github.com/localdevkit/ldk/internal/middleware"
	"github.com/localdevkit/ldk/internal/wire"
)

// defaultTokenSecret signs identity tokens when the config leaves the
// secret unset. This is a local development tool; the tokens guard
// nothing outside the emulator.
const defaultTokenSecret = "ldk-local-dev-secret"

// SupervisorConfig holds everything the runtime needs to start.
type SupervisorConfig struct {
	Clock  clock.Clock
	Config *config.Document
	Runner compute.Runner
	Hub    *logstream.Hub
}

// Validate ensures the config values are valid.
func (c *SupervisorConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if c.Config == nil {
		return errors.NotValidf("missing Config")
	}
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	if c.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	return nil
}

// engines bundles every engine the supervisor builds.
type engines struct {
	queues    *queue.Engine
	tables    *table.Engine
	objects   *objectstore.Engine
	topics    *topic.Engine
	buses     *eventbus.Engine
	machines  *statemachine.Engine
	params    *paramstore.Engine
	secrets   *secretstore.Engine
	functions *compute.Engine
	identity  *identity.Engine
}

// Supervisor builds the engines, wires the fabric, seeds declared
// resources and owns every worker: the change-stream dispatcher, the
// rule scheduler, the queue pollers and one HTTP server per enabled
// service. Stop order is the reverse of start: servers drain first,
// then pollers, then the background workers.
type Supervisor struct {
	catacomb catacomb.Catacomb
	cfg      SupervisorConfig

	engines  engines
	registry *fabric.Registry

	servers    []*HTTPServer
	pollers    []*fabric.Poller
	background []worker.Worker
}

// NewSupervisor builds and starts the whole runtime.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Supervisor{cfg: cfg, registry: fabric.NewRegistry()}

	streamDispatcher, err := streamer.New(streamer.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.background = append(s.background, streamDispatcher)

	if err := s.buildEngines(streamDispatcher); err != nil {
		stopWorkers(s.background)
		return nil, errors.Trace(err)
	}
	if err := s.seed(); err != nil {
		stopWorkers(s.background)
		return nil, errors.Trace(err)
	}
	if err := s.wireFabric(streamDispatcher); err != nil {
		stopWorkers(s.pollers2workers())
		stopWorkers(s.background)
		return nil, errors.Trace(err)
	}
	if err := s.startServers(); err != nil {
		stopWorkers(s.servers2workers())
		stopWorkers(s.pollers2workers())
		stopWorkers(s.background)
		return nil, errors.Trace(err)
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Name: "supervisor",
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		stopWorkers(s.servers2workers())
		stopWorkers(s.pollers2workers())
		stopWorkers(s.background)
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Supervisor) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Supervisor) Wait() error {
	return s.catacomb.Wait()
}

// Report shows the whole worker tree.
func (s *Supervisor) Report() map[string]interface{} {
	servers := make([]map[string]interface{}, len(s.servers))
	for i, srv := range s.servers {
		servers[i] = srv.Report()
	}
	pollers := make([]map[string]interface{}, len(s.pollers))
	for i, p := range s.pollers {
		pollers[i] = p.Report()
	}
	return map[string]interface{}{
		"servers": servers,
		"pollers": pollers,
	}
}

func (s *Supervisor) loop() error {
	// Any child failing takes the whole runtime down; each child's
	// Wait result feeds the supervisor's kill.
	children := append(s.servers2workers(), s.pollers2workers()...)
	children = append(children, s.background...)
	for _, child := range children {
		child := child
		go func() {
			s.catacomb.Kill(child.Wait())
		}()
	}

	<-s.catacomb.Dying()
	stopWorkers(s.servers2workers())
	stopWorkers(s.pollers2workers())
	stopWorkers(s.background)
	return s.catacomb.ErrDying()
}

func (s *Supervisor) servers2workers() []worker.Worker {
	ws := make([]worker.Worker, len(s.servers))
	for i, srv := range s.servers {
		ws[i] = srv
	}
	return ws
}

func (s *Supervisor) pollers2workers() []worker.Worker {
	ws := make([]worker.Worker, len(s.pollers))
	for i, p := range s.pollers {
		ws[i] = p
	}
	return ws
}

func stopWorkers(ws []worker.Worker) {
	for _, w := range ws {
		w.Kill()
	}
	for _, w := range ws {
		if err := w.Wait(); err != nil {
			logger.Warningf("stopping worker: %v", err)
		}
	}
}

func (s *Supervisor) buildEngines(recorder table.Recorder) error {
	var err error
	if s.engines.queues, err = queue.NewEngine(s.cfg.Clock); err != nil {
		return errors.Trace(err)
	}
	if s.engines.tables, err = table.NewEngine(s.cfg.Clock, recorder); err != nil {
		return errors.Trace(err)
	}
	if s.engines.objects, err = objectstore.NewEngine(s.cfg.Clock); err != nil {
		return errors.Trace(err)
	}
	dispatcher := fabric.NewDispatcher(s.registry)
	if s.engines.topics, err = topic.NewEngine(s.cfg.Clock, dispatcher); err != nil {
		return errors.Trace(err)
	}
	if s.engines.buses, err = eventbus.NewEngine(s.cfg.Clock, fabric.NewBusDispatcher(s.registry)); err != nil {
		return errors.Trace(err)
	}
	if s.engines.functions, err = compute.NewEngine(compute.Config{
		Clock:  s.cfg.Clock,
		Runner: s.cfg.Runner,
	}); err != nil {
		return errors.Trace(err)
	}
	if s.engines.machines, err = statemachine.NewEngine(statemachine.Config{
		Clock:   s.cfg.Clock,
		Invoker: dispatcher,
	}); err != nil {
		return errors.Trace(err)
	}
	if s.engines.params, err = paramstore.NewEngine(s.cfg.Clock); err != nil {
		return errors.Trace(err)
	}
	if s.engines.secrets, err = secretstore.NewEngine(s.cfg.Clock); err != nil {
		return errors.Trace(err)
	}

	identityCfg := s.cfg.Config.Identity
	if identityCfg.Mode != "" || s.serviceEnabled("identity") {
		mode := identity.Mode(identityCfg.Mode)
		if mode == "" {
			mode = identity.ModeAudit
		}
		secret := identityCfg.TokenSecret
		if secret == "" {
			secret = defaultTokenSecret
		}
		s.engines.identity, err = identity.NewEngine(identity.Config{
			Clock:       s.cfg.Clock,
			Mode:        mode,
			TokenSecret: []byte(secret),
			TokenTTL:    identityCfg.TokenTTL.Std(),
		})
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (s *Supervisor) serviceEnabled(name string) bool {
	_, enabled := s.cfg.Config.ServiceEnabled(name)
	return enabled
}

// seed creates every resource the config declares.
func (s *Supervisor) seed() error {
	doc := s.cfg.Config

	for _, q := range doc.Queues {
		err := s.engines.queues.Create(q.Name, queue.QueueAttributes{
			VisibilityTimeout: q.VisibilityTimeout.Std(),
			Delay:             time.Duration(q.DelaySeconds) * time.Second,
			Fifo:              q.FIFO,
			ContentBasedDedup: q.ContentDedup,
			DeadLetterTarget:  q.DeadLetterTarget,
			MaxReceiveCount:   q.MaxReceiveCount,
		})
		if err != nil {
			return errors.Annotatef(err, "queue %q", q.Name)
		}
	}

	for _, t := range doc.Tables {
		spec, err := tableSpecOf(t)
		if err != nil {
			return errors.Annotatef(err, "table %q", t.Name)
		}
		if err := s.engines.tables.Create(spec); err != nil {
			return errors.Annotatef(err, "table %q", t.Name)
		}
	}

	for _, name := range doc.Buckets {
		if err := s.engines.objects.CreateBucket(name); err != nil {
			return errors.Annotatef(err, "bucket %q", name)
		}
	}

	for _, t := range doc.Topics {
		if _, err := s.engines.topics.Create(t.Name); err != nil {
			return errors.Annotatef(err, "topic %q", t.Name)
		}
		for _, sub := range t.Subscriptions {
			var filter matcher.Policy
			if sub.Filter != "" {
				var err error
				if filter, err = matcher.ParsePolicy([]byte(sub.Filter)); err != nil {
					return errors.Annotatef(err, "topic %q filter", t.Name)
				}
			}
			_, err := s.engines.topics.Subscribe(
				t.Name, topic.Protocol(sub.Protocol), sub.Endpoint, filter)
			if err != nil {
				return errors.Annotatef(err, "topic %q subscription", t.Name)
			}
		}
	}

	for _, b := range doc.Buses {
		if b.Name != eventbus.DefaultBus {
			if err := s.engines.buses.CreateBus(b.Name); err != nil {
				return errors.Annotatef(err, "bus %q", b.Name)
			}
		}
		for _, r := range b.Rules {
			rule := eventbus.Rule{
				Name:     r.Name,
				Schedule: r.Schedule,
				Enabled:  !r.Disabled,
			}
			if r.Pattern != "" {
				pattern, err := matcher.ParsePattern([]byte(r.Pattern))
				if err != nil {
					return errors.Annotatef(err, "rule %q pattern", r.Name)
				}
				rule.Pattern = pattern
			}
			for _, t := range r.Targets {
				rule.Targets = append(rule.Targets, eventbus.Target{
					ID:    t.ID,
					Kind:  eventbus.TargetKind(t.Kind),
					Name:  t.Name,
					Input: t.Input,
				})
			}
			if err := s.engines.buses.PutRule(b.Name, rule); err != nil {
				return errors.Annotatef(err, "rule %q", r.Name)
			}
		}
	}

	for _, m := range doc.Machines {
		kind := statemachine.Standard
		if m.Kind != "" {
			kind = statemachine.Kind(strings.ToUpper(m.Kind))
		}
		if _, err := s.engines.machines.Create(m.Name, []byte(m.Definition), kind); err != nil {
			return errors.Annotatef(err, "state machine %q", m.Name)
		}
	}

	for _, p := range doc.Parameters {
		typ := paramstore.Type(p.Type)
		if typ == "" {
			typ = paramstore.TypeString
		}
		if _, err := s.engines.params.Put(p.Name, typ, p.Value, false); err != nil {
			return errors.Annotatef(err, "parameter %q", p.Name)
		}
	}

	for _, sec := range doc.Secrets {
		if _, err := s.engines.secrets.Create(sec.Name, sec.Description, sec.Value); err != nil {
			return errors.Annotatef(err, "secret %q", sec.Name)
		}
	}

	for _, fn := range doc.Functions {
		err := s.engines.functions.Register(compute.Function{
			Name:     fn.Name,
			Runtime:  fn.Runtime,
			Handler:  fn.Handler,
			Timeout:  fn.Timeout.Std(),
			MemoryMB: fn.MemoryMB,
			Env:      fn.Env,
		})
		if err != nil {
			return errors.Annotatef(err, "function %q", fn.Name)
		}
	}

	if s.engines.identity != nil {
		for name, raw := range doc.Identity.Policies {
			var policy identity.PolicyDocument
			if err := json.Unmarshal([]byte(raw), &policy); err != nil {
				return errors.NotValidf("policy %q: %v", name, err)
			}
			if err := s.engines.identity.PutPolicy(name, policy); err != nil {
				return errors.Annotatef(err, "policy %q", name)
			}
		}
		for _, p := range doc.Identity.Principals {
			err := s.engines.identity.PutPrincipal(identity.Principal{
				Name:     p.Name,
				Policies: p.Policies,
				Boundary: p.Boundary,
			})
			if err != nil {
				return errors.Annotatef(err, "principal %q", p.Name)
			}
		}
		for resource, raw := range doc.Identity.ResourcePolicy {
			var policy identity.PolicyDocument
			if err := json.Unmarshal([]byte(raw), &policy); err != nil {
				return errors.NotValidf("resource policy %q: %v", resource, err)
			}
			if err := s.engines.identity.PutResourcePolicy(resource, policy); err != nil {
				return errors.Annotatef(err, "resource policy %q", resource)
			}
		}
	}
	return nil
}

// wireFabric registers dispatch targets, freezes the registry and
// starts the event-source workers.
func (s *Supervisor) wireFabric(streamDispatcher *streamer.Dispatcher) error {
	doc := s.cfg.Config
	for _, q := range doc.Queues {
		err := s.registry.RegisterQueue(q.Name, fabric.QueueSender(s.engines.queues, q.Name))
		if err != nil {
			return errors.Trace(err)
		}
	}
	for _, fn := range doc.Functions {
		err := s.registry.RegisterCompute(fn.Name, fabric.ComputeInvoker(s.engines.functions, fn.Name))
		if err != nil {
			return errors.Trace(err)
		}
	}
	s.registry.Freeze()

	dispatcher := fabric.NewDispatcher(s.registry)
	notifications := make(map[string][]objectstore.NotificationRule)
	for _, m := range doc.EventSources {
		if m.Disabled {
			continue
		}
		switch m.Kind {
		case "queue":
			target, err := s.registry.Compute(m.Function)
			if err != nil {
				return errors.Trace(err)
			}
			poller, err := fabric.NewPoller(fabric.PollerConfig{
				Clock:     s.cfg.Clock,
				Queues:    s.engines.queues,
				Target:    target,
				QueueName: m.Source,
				Function:  m.Function,
				BatchSize: m.BatchSize,
			})
			if err != nil {
				return errors.Trace(err)
			}
			s.pollers = append(s.pollers, poller)
		case "table-stream":
			streamDispatcher.Subscribe(
				m.Source, m.Function, dispatcher.StreamSubscriber(m.Function))
		case "bucket":
			handler := dispatcher.ObjectNotificationHandler(m.Function)
			globs := m.Events
			if len(globs) == 0 {
				globs = []string{"*"}
			}
			for _, glob := range globs {
				notifications[m.Source] = append(notifications[m.Source],
					objectstore.NotificationRule{
						ID:        m.Function,
						EventGlob: glob,
						Prefix:    m.Prefix,
						Suffix:    m.Suffix,
						Handler:   handler,
					})
			}
		default:
			return errors.NotValidf("event source kind %q", m.Kind)
		}
	}
	for bucket, rules := range notifications {
		if err := s.engines.objects.SetNotifications(bucket, rules); err != nil {
			return errors.Trace(err)
		}
	}

	scheduler, err := eventbus.NewScheduler(eventbus.SchedulerConfig{
		Clock:  s.cfg.Clock,
		Engine: s.engines.buses,
	})
	if err != nil {
		return errors.Trace(err)
	}
	s.background = append(s.background, scheduler)
	return nil
}

// startServers builds the middleware stack, the control plane and one
// HTTP server per enabled service.
func (s *Supervisor) startServers() error {
	doc := s.cfg.Config

	requestLog := middleware.NewRequestLogger(s.cfg.Clock, s.cfg.Hub)
	mocks := middleware.NewMockTable(s.cfg.Clock)
	chaos := middleware.NewInjector(s.cfg.Clock, doc.Options.ChaosSeed)
	var auth *middleware.Authorizer
	if s.engines.identity != nil {
		auth = middleware.NewAuthorizer(
			s.engines.identity, doc.Identity.PrincipalHeader, authResources())
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(queue.NewCollector(s.engines.queues)); err != nil {
		return errors.Trace(err)
	}

	control, err := NewControlPlane(ControlConfig{
		Queues:    s.engines.queues,
		Tables:    s.engines.tables,
		Objects:   s.engines.objects,
		Topics:    s.engines.topics,
		Buses:     s.engines.buses,
		Machines:  s.engines.machines,
		Params:    s.engines.params,
		Secrets:   s.engines.secrets,
		Functions: s.engines.functions,
		Chaos:     chaos,
		Mocks:     mocks,
		LogHub:    s.cfg.Hub,
		Gatherer:  registry,
		Health:    s.Report,
	})
	if err != nil {
		return errors.Trace(err)
	}

	for _, svc := range serviceHandlers(s.engines) {
		port, enabled := doc.ServiceEnabled(svc.name)
		if !enabled || svc.handler == nil {
			continue
		}
		chain := middleware.Chain{
			Service:    svc.name,
			Extract:    svc.extract,
			WriteError: svc.writeError,
			RequestLog: requestLog,
			Mocks:      mocks,
			Auth:       auth,
			Chaos:      chaos,
		}
		handler := chain.Wrap(withControl(control, svc.handler))
		server, err := NewHTTPServer(HTTPConfig{
			Name:    svc.name,
			Port:    port,
			Handler: handler,
		})
		if err != nil {
			return errors.Trace(err)
		}
		s.servers = append(s.servers, server)
	}
	return nil
}

// serviceHandler binds one service name to its dialect.
type serviceHandler struct {
	name       string
	handler    http.Handler
	extract    middleware.OpExtractor
	writeError middleware.ErrorWriter
}

func serviceHandlers(e engines) []serviceHandler {
	jsonError := func(w http.ResponseWriter, r *http.Request, err error) {
		wire.WriteJSONError(w, err)
	}
	queryError := func(w http.ResponseWriter, r *http.Request, err error) {
		wire.WriteQueryError(w, err)
	}
	bucketError := func(w http.ResponseWriter, r *http.Request, err error) {
		wire.WriteBucketError(w, r.URL.Path, err)
	}
	splitError := func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Header.Get(wire.TargetHeader) != "" {
			wire.WriteJSONError(w, err)
			return
		}
		wire.WriteQueryError(w, err)
	}
	handlers := []serviceHandler{
		{"queue", newQueueAdapter(e.queues), extractQueueOp, splitError},
		{"table", newTableAdapter(e.tables), extractTargetOp, jsonError},
		{"objectstore", newObjectAdapter(e.objects), extractObjectOp, bucketError},
		{"topic", newTopicAdapter(e.topics), extractActionOp, queryError},
		{"events", newEventsAdapter(e.buses), extractTargetOp, jsonError},
		{"statemachine", newStateMachineAdapter(e.machines), extractTargetOp, jsonError},
		{"paramstore", newParamAdapter(e.params), extractTargetOp, jsonError},
		{"secretstore", newSecretAdapter(e.secrets), extractTargetOp, jsonError},
		{"compute", newComputeAdapter(e.functions), extractComputeOp, jsonError},
	}
	if e.identity != nil {
		handlers = append(handlers, serviceHandler{
			"identity", newIdentityAdapter(e.identity), extractIdentityOp, splitError,
		})
	}
	return handlers
}

// withControl routes management paths to the control plane; the
// middleware chain has already bypassed mocking, auth and chaos for
// them.
func withControl(control, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, middleware.ManagementPrefix) {
			control.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// authResources maps services to their resource extractors so policy
// documents can scope by resource name.
func authResources() map[string]middleware.ResourceFunc {
	return map[string]middleware.ResourceFunc{
		"queue": func(r *http.Request) string {
			name, err := queueNameOf(r)
			if err != nil {
				return ""
			}
			return "queue/" + name
		},
		"topic": func(r *http.Request) string {
			name, err := topicNameOf(r)
			if err != nil {
				return ""
			}
			return "topic/" + name
		},
		"objectstore": func(r *http.Request) string {
			path := strings.TrimPrefix(r.URL.Path, "/")
			if path == "" {
				return ""
			}
			if slash := strings.Index(path, "/"); slash > 0 {
				path = path[:slash]
			}
			return "bucket/" + path
		},
	}
}

func tableSpecOf(t config.Table) (table.Spec, error) {
	spec := table.Spec{
		Name: t.Name,
		Key: table.KeySchema{
			PartitionKey:  t.PartitionKey.Name,
			PartitionType: t.PartitionKey.Type,
		},
	}
	if t.SortKey != nil {
		spec.Key.SortKey = t.SortKey.Name
		spec.Key.SortType = t.SortKey.Type
	}
	for _, idx := range t.Indexes {
		key := table.KeySchema{
			PartitionKey:  idx.PartitionKey.Name,
			PartitionType: idx.PartitionKey.Type,
		}
		if idx.SortKey != nil {
			key.SortKey = idx.SortKey.Name
			key.SortType = idx.SortKey.Type
		}
		spec.Indexes = append(spec.Indexes, table.IndexSchema{
			Name: idx.Name,
			Key:  key,
		})
	}
	if t.StreamView != "" {
		view, ok := changestream.ParseView(t.StreamView)
		if !ok {
			return spec, errors.NotValidf("stream view %q", t.StreamView)
		}
		spec.StreamEnabled = true
		spec.StreamView = view
	}
	return spec, nil
}
