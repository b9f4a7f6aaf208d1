// Package host wires every subsystem into the single long-lived Host
// process (spec §2, §9): identity, labels, lifecycle, and the heartbeat
// loop that publishes the derived inventory on an interval.
//
// Grounded on the teacher's pkg/manager.Manager: the "one struct holds
// every subsystem handle, Start/Shutdown walk them in order" shape, and
// on pkg/worker.Worker's heartbeatLoop ticker goroutine for the
// heartbeat publication loop.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/bus"
	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/control"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
	"github.com/cuemby/wasmcloud-host/pkg/httpadmin"
	"github.com/cuemby/wasmcloud-host/pkg/linktable"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/oci"
	"github.com/cuemby/wasmcloud-host/pkg/policy"
	"github.com/cuemby/wasmcloud-host/pkg/provider"
	"github.com/cuemby/wasmcloud-host/pkg/provider/builtin"
	"github.com/cuemby/wasmcloud-host/pkg/router"
	"github.com/cuemby/wasmcloud-host/pkg/secrets"
	"github.com/cuemby/wasmcloud-host/pkg/supervisor"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/cuemby/wasmcloud-host/pkg/wasmengine"
	"github.com/nats-io/nkeys"
	"github.com/rs/zerolog"
)

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "dev"

// Host is the top-level runtime: one per OS process, per spec §1.
type Host struct {
	cfg hostconfig.Config

	id        string
	startedAt time.Time

	labelsMu sync.RWMutex
	labels   map[string]string

	conn       *bus.Conn
	engine     *wasmengine.Engine
	fetcher    *oci.Fetcher
	store      *configstore.Store
	links      *linktable.Table
	gate       *policy.Gate
	broker     *events.Broker
	supervisor *supervisor.Supervisor
	providers  *provider.Supervisor
	router     *router.Router
	control    *control.Controller
	admin      *httpadmin.Server
	xkey       *secrets.XKeyPair
	builtins   []provider.Handle

	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup

	fatal chan error

	logger zerolog.Logger
}

// componentLoader adapts pkg/oci + pkg/wasmengine into the
// supervisor.Loader interface.
type componentLoader struct {
	fetcher *oci.Fetcher
	engine  *wasmengine.Engine
}

func (l *componentLoader) Load(ctx context.Context, id, imageRef string) (supervisor.Invoker, error) {
	artifact, err := l.fetcher.FetchArtifact(imageRef)
	if err != nil {
		return nil, err
	}
	mod, err := l.engine.Compile(ctx, artifact.Data)
	if err != nil {
		return nil, err
	}
	return &moduleInvoker{id: id, module: mod, claims: artifact.Claims}, nil
}

// moduleInvoker adapts a compiled wasmengine.Module into
// supervisor.Invoker, calling exports through the engine's byte-level
// call adapter (wasmengine.Module.InvokeBytes). id identifies the
// calling component so that any import it polyfills during the call
// attributes back to it in the invocation router. claims is whatever
// pkg/claims verified from the artifact's OCI manifest, if any.
type moduleInvoker struct {
	id     string
	module *wasmengine.Module
	claims *types.Claims
}

// Claims implements supervisor.ClaimsInvoker.
func (m *moduleInvoker) Claims() *types.Claims {
	return m.claims
}

func (m *moduleInvoker) Invoke(ctx context.Context, exportName string, args []byte) ([]byte, error) {
	return m.module.InvokeBytes(ctx, m.id, exportName, args)
}

func (m *moduleInvoker) Close(ctx context.Context) error {
	return m.module.Close(ctx)
}

// New constructs a Host and every subsystem it owns. It already starts
// the event broker, connects to NATS and starts the engine's epoch
// ticker; the remaining listeners and loops are started by Start.
func New(ctx context.Context, cfg hostconfig.Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("host: invalid configuration: %w", err)
	}

	hostKey, err := nkeys.CreateServer()
	if err != nil {
		return nil, fmt.Errorf("host: generate host identity: %w", err)
	}
	hostID, err := hostKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("host: read host public key: %w", err)
	}

	xkey, err := secrets.NewXKeyPair()
	if err != nil {
		return nil, fmt.Errorf("host: generate host xkey: %w", err)
	}
	xkeyPub, err := xkey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("host: read host xkey public key: %w", err)
	}

	h := &Host{
		cfg:           cfg,
		id:            hostID,
		startedAt:     time.Now(),
		labels:        map[string]string{},
		xkey:          xkey,
		heartbeatStop: make(chan struct{}),
		fatal:         make(chan error, 1),
		logger:        log.WithComponent("host").With().Str("host_id", hostID).Logger(),
	}
	for k, v := range cfg.Labels {
		h.labels[k] = v
	}

	h.store, err = configstore.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("host: open config store: %w", err)
	}

	h.broker = events.NewBroker()
	h.broker.Start()

	h.conn, err = bus.Connect(cfg, h.onBusPermanentLoss)
	if err != nil {
		return nil, fmt.Errorf("host: connect to lattice: %w", err)
	}

	h.links, err = linktable.New(h.store, h.broker, hostID)
	if err != nil {
		return nil, fmt.Errorf("host: build link table: %w", err)
	}

	h.gate = policy.New(h.conn, cfg.PolicyTopic, cfg.PolicyTimeout)
	h.fetcher = oci.New(cfg)

	h.engine, err = wasmengine.New(ctx, wasmengine.Config{
		EpochTickInterval: hostconfig.DefaultEpochTickInterval,
		MaxExecutionTime:  cfg.MaxExecutionTime,
	})
	if err != nil {
		return nil, fmt.Errorf("host: build wasm engine: %w", err)
	}

	loader := &componentLoader{fetcher: h.fetcher, engine: h.engine}
	h.supervisor = supervisor.New(loader, h.gate, h.broker, hostID)
	h.providers = provider.New(cfg, h.conn, h.gate, h.broker, h.store, h.links, secrets.EnvResolver{Lookup: os.LookupEnv}, hostID, xkeyPub)
	h.router = router.New(h.conn, h.links, h.conn, cfg.RPCTimeout)

	// Every guest import without a Native handler (spec §9's "dynamic
	// interface satisfaction") polyfills through the invocation router
	// over the default link, matching wasmCloud's link-name convention.
	h.engine.SetDefaultImport(func(ctx context.Context, sourceID, namespace, pkg, _ string, args []byte) ([]byte, error) {
		return h.router.Invoke(ctx, sourceID, namespace, pkg, "default", "", args)
	})

	h.control = control.New(control.Deps{
		Conn:       h.conn,
		Components: h.supervisor,
		Providers:  h.providers,
		Links:      h.links,
		Config:     h.store,
		Host:       h,
		Broker:     h.broker,
	}, hostID)

	h.admin = httpadmin.New(cfg.HTTPAdminAddr)

	if cfg.EnableBuiltins {
		invoke := builtin.InvokeFunc(h.supervisor.Invoke)
		if cfg.BuiltinHTTPAddr != "" {
			h.builtins = append(h.builtins, &builtin.HTTPServer{
				Addr:            cfg.BuiltinHTTPAddr,
				TargetComponent: cfg.BuiltinTargetComponent,
				Invoke:          invoke,
			})
		}
		if cfg.BuiltinNATSSubject != "" {
			h.builtins = append(h.builtins, &builtin.NATSMessaging{
				Conn:            h.conn,
				Subject:         cfg.BuiltinNATSSubject,
				TargetComponent: cfg.BuiltinTargetComponent,
				Invoke:          invoke,
			})
		}
	}

	return h, nil
}

// Start registers control-plane subscriptions, the admin HTTP server,
// and the heartbeat loop. It returns once everything is listening;
// long-running loops continue in background goroutines.
func (h *Host) Start() error {
	if err := h.control.Start(); err != nil {
		return fmt.Errorf("host: start control plane: %w", err)
	}

	for _, b := range h.builtins {
		if err := b.Start(context.Background(), provider.HostData{HostID: h.id, LatticeID: h.cfg.LatticeID}); err != nil {
			return fmt.Errorf("host: start builtin provider: %w", err)
		}
	}

	go func() {
		if err := h.admin.Start(); err != nil {
			h.logger.Warn().Err(err).Msg("admin HTTP server stopped")
		}
	}()

	h.heartbeatWG.Add(1)
	go h.heartbeatLoop()

	h.heartbeatWG.Add(1)
	go h.bridgeEventsToLattice()

	env, err := events.NewEnvelope(h.id, events.HostStarted, h.Snapshot())
	if err == nil {
		h.broker.Publish(env)
	}

	h.logger.Info().Str("lattice_id", h.cfg.LatticeID).Msg("host started")
	return nil
}

func (h *Host) heartbeatLoop() {
	defer h.heartbeatWG.Done()

	interval := h.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = hostconfig.DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.publishHeartbeat()
		case <-h.heartbeatStop:
			return
		}
	}
}

func (h *Host) publishHeartbeat() {
	inv := types.Inventory{
		HostID:     h.id,
		Labels:     h.Snapshot().Labels,
		Components: h.supervisor.Inventory(),
		Providers:  h.providers.Inventory(),
		IssuedAt:   time.Now(),
	}

	env, err := events.NewEnvelope(h.id, events.HostHeartbeat, inv)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to build heartbeat envelope")
		return
	}
	h.broker.Publish(env)
	metrics.HeartbeatsPublishedTotal.Inc()
}

// bridgeEventsToLattice mirrors every locally-published envelope onto the
// lattice's NATS event subject, per spec §4.I.
func (h *Host) bridgeEventsToLattice() {
	defer h.heartbeatWG.Done()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	for {
		select {
		case env := <-sub:
			h.publishEnvelopeToLattice(env)
		case <-h.heartbeatStop:
			return
		}
	}
}

func (h *Host) publishEnvelopeToLattice(env *events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal event envelope for lattice publication")
		return
	}

	subject := h.conn.HeartbeatSubject()
	if env.Type != events.HostHeartbeat {
		subject = h.conn.EventSubject(string(env.Type))
	}

	if err := h.conn.Publish(subject, data); err != nil {
		h.logger.Warn().Err(err).Str("event_type", string(env.Type)).Msg("failed to publish event to lattice")
	}
}

func (h *Host) onBusPermanentLoss(err error) {
	h.logger.Error().Err(err).Msg("lattice connection permanently lost; shutting down")
	select {
	case h.fatal <- err:
	default:
	}
}

// Fatal reports the lattice connection being permanently lost (spec §6
// exit code 2, "bus connection lost and unrecoverable"). The caller
// should shut down and exit non-zero on receipt.
func (h *Host) Fatal() <-chan error {
	return h.fatal
}

// Snapshot returns the current identity/label view, satisfying
// pkg/control.HostView.
func (h *Host) Snapshot() types.Host {
	h.labelsMu.RLock()
	defer h.labelsMu.RUnlock()

	labels := make(map[string]string, len(h.labels))
	for k, v := range h.labels {
		labels[k] = v
	}
	return types.Host{
		ID:        h.id,
		Name:      h.id,
		Version:   buildVersion,
		LatticeID: h.cfg.LatticeID,
		StartedAt: h.startedAt,
		Labels:    labels,
	}
}

// PutLabel sets a label, rejecting mutation of reserved (hostcore.*) keys.
func (h *Host) PutLabel(key, value string) error {
	if hasReservedPrefix(key) {
		return herr.New(herr.ReservedLabel, fmt.Sprintf("label %q uses the reserved prefix %q", key, types.ReservedLabelPrefix))
	}
	h.labelsMu.Lock()
	h.labels[key] = value
	h.labelsMu.Unlock()
	return nil
}

// DeleteLabel removes a label, rejecting mutation of reserved keys.
func (h *Host) DeleteLabel(key string) error {
	if hasReservedPrefix(key) {
		return herr.New(herr.ReservedLabel, fmt.Sprintf("label %q uses the reserved prefix %q", key, types.ReservedLabelPrefix))
	}
	h.labelsMu.Lock()
	delete(h.labels, key)
	h.labelsMu.Unlock()
	return nil
}

func hasReservedPrefix(key string) bool {
	return len(key) >= len(types.ReservedLabelPrefix) && key[:len(types.ReservedLabelPrefix)] == types.ReservedLabelPrefix
}

// Shutdown tears every subsystem down in the reverse of startup order.
func (h *Host) Shutdown(ctx context.Context) {
	h.logger.Info().Msg("host shutting down")

	close(h.heartbeatStop)
	h.heartbeatWG.Wait()

	for _, b := range h.builtins {
		if err := b.Stop(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("builtin provider shutdown error")
		}
	}

	var providersWG sync.WaitGroup
	for _, p := range h.providers.Inventory() {
		providersWG.Add(1)
		go func(id string) {
			defer providersWG.Done()
			if err := h.providers.Stop(id); err != nil {
				h.logger.Warn().Err(err).Str("provider_id", id).Msg("provider shutdown error")
			}
		}(p.ID)
	}
	providersWG.Wait()

	if err := h.admin.Shutdown(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("admin server shutdown error")
	}

	env, err := events.NewEnvelope(h.id, events.HostStopped, h.Snapshot())
	if err == nil {
		h.broker.Publish(env)
	}

	if err := h.engine.Close(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("wasm engine shutdown error")
	}

	h.broker.Stop()
	h.conn.Close()

	if err := h.store.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("config store shutdown error")
	}

	h.logger.Info().Msg("host shutdown complete")
}
