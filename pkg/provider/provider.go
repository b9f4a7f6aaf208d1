// Package provider implements the Provider Supervisor (spec §4.G): spawns
// a capability provider as a child process, hands it bootstrap HostData
// sealed with an xkey keypair, pings it over its control subject on a
// health-check interval, and restarts it with exponential backoff on
// unexpected exit.
//
// Grounded on the teacher's pkg/worker.Worker process-lifecycle shape
// (map+mutex+stopCh, one goroutine per supervised unit) generalized from
// container processes to provider processes, with the exec invocation
// itself modeled on pkg/health.ExecChecker's os/exec.CommandContext use.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/bus"
	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/health"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
	"github.com/cuemby/wasmcloud-host/pkg/linktable"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/policy"
	"github.com/cuemby/wasmcloud-host/pkg/secrets"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/rs/zerolog"
)

// HostData is the bootstrap payload sealed and piped to a provider's
// stdin on start, per spec §4.G.
type HostData struct {
	HostID      string            `json:"host_id"`
	LatticeID   string            `json:"lattice_id"`
	ProviderID  string            `json:"provider_id"`
	LinkName    string            `json:"link_name"`
	ConfigJSON  string            `json:"config_json,omitempty"`
	SecretsJSON string            `json:"secrets_json,omitempty"`
	HostXKeyPub string            `json:"host_xkey_public"`
	Env         map[string]string `json:"env,omitempty"`
	InstanceID  string            `json:"instance_id"`
}

type entry struct {
	mu sync.Mutex

	id          string
	binaryPath  string
	imageRef    string
	annotations map[string]string
	configNames []string
	claims      *types.Claims

	xkey   *secrets.XKeyPair
	cmd    *exec.Cmd
	health *health.Status

	restartAttempts int
	stableSince     time.Time
	noRestart       bool

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// Supervisor owns every provider process on this host.
type Supervisor struct {
	cfg         hostconfig.Config
	conn        *bus.Conn
	gate        *policy.Gate
	broker      *events.Broker
	store       *configstore.Store
	links       *linktable.Table
	secrets     secrets.Resolver
	hostID      string
	hostXKeyPub string

	mu        sync.RWMutex
	providers map[string]*entry

	logger zerolog.Logger
}

// New builds a provider Supervisor. store supplies the initial config
// bundles bundled into a provider's bootstrap HostData (spec §4.G step
// 3), and links supplies the TargetConfigRefs whose bundles are included
// with them; the link definitions themselves are not placed in HostData.
// secretResolver resolves the secret refs
// named by those config bundles. secretResolver may be nil, in which case
// providers are started without resolved secret material.
func New(cfg hostconfig.Config, conn *bus.Conn, gate *policy.Gate, broker *events.Broker, store *configstore.Store, links *linktable.Table, secretResolver secrets.Resolver, hostID, hostXKeyPub string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		conn:        conn,
		gate:        gate,
		broker:      broker,
		store:       store,
		links:       links,
		secrets:     secretResolver,
		hostID:      hostID,
		hostXKeyPub: hostXKeyPub,
		providers:   make(map[string]*entry),
		logger:      log.WithComponent("provider"),
	}
}

// Start spawns a provider process for id from the given binary, running
// the health-check and restart-supervision loop in the background.
func (s *Supervisor) Start(ctx context.Context, id, binaryPath, imageRef string, annotations map[string]string, configNames []string, claims *types.Claims, linkName string) error {
	if _, err := s.gate.Check(policy.ActionStartProvider, id, imageRef); err != nil {
		s.publishFailed(events.ProviderStartFailed, id, err.Error())
		return err
	}

	s.mu.Lock()
	if _, exists := s.providers[id]; exists {
		s.mu.Unlock()
		return herr.New(herr.InvalidRequest, fmt.Sprintf("provider %q is already running", id))
	}

	xkey, err := secrets.NewXKeyPair()
	if err != nil {
		s.mu.Unlock()
		return herr.Wrap(herr.ProviderFailed, "generate provider xkey", err)
	}

	e := &entry{
		id:          id,
		binaryPath:  binaryPath,
		imageRef:    imageRef,
		annotations: annotations,
		configNames: configNames,
		claims:      claims,
		xkey:        xkey,
		health:      health.NewStatus(),
		stableSince: time.Now(),
		stopCh:      make(chan struct{}),
	}
	s.providers[id] = e
	s.mu.Unlock()

	if err := s.spawn(ctx, e, linkName); err != nil {
		s.mu.Lock()
		delete(s.providers, id)
		s.mu.Unlock()
		s.publishFailed(events.ProviderStartFailed, id, err.Error())
		return err
	}

	e.doneWG.Add(1)
	go s.supervise(e, linkName)

	s.publish(events.ProviderStarted, e)
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, e *entry, linkName string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProviderStartDuration)

	pub, err := e.xkey.PublicKey()
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "read provider xkey public key", err)
	}

	names := s.configNamesFor(e)

	configJSON, err := s.loadConfigJSON(names)
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "load provider config bundles", err)
	}
	secretsJSON, err := s.loadSecretsJSON(names)
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "resolve provider secrets", err)
	}

	data := HostData{
		HostID:      s.hostID,
		LatticeID:   s.cfg.LatticeID,
		ProviderID:  e.id,
		LinkName:    linkName,
		ConfigJSON:  configJSON,
		SecretsJSON: secretsJSON,
		HostXKeyPub: s.hostXKeyPub,
		InstanceID:  fmt.Sprintf("%s-%d", e.id, time.Now().UnixNano()),
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "marshal provider host data", err)
	}

	sealed, err := e.xkey.Seal(payload, pub)
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "seal provider host data", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)

	seed, err := e.xkey.Seed()
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "read provider xkey seed", err)
	}

	cmd := exec.CommandContext(context.Background(), e.binaryPath)
	cmd.Env = append(os.Environ(),
		"WASMCLOUD_HOST_ID="+s.hostID,
		"WASMCLOUD_LATTICE_ID="+s.cfg.LatticeID,
		"WASMCLOUD_PROVIDER_XKEY_SEED="+seed,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return herr.Wrap(herr.ProviderFailed, "open provider stdin pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return herr.Wrap(herr.ProviderFailed, fmt.Sprintf("start provider binary %q", e.binaryPath), err)
	}

	if _, err := stdin.Write([]byte(encoded)); err != nil {
		s.logger.Warn().Str("provider_id", e.id).Err(err).Msg("failed to write host data to provider stdin")
	}
	_ = stdin.Close()

	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()

	s.logger.Info().Str("provider_id", e.id).Int("pid", cmd.Process.Pid).Msg("provider process started")
	return nil
}

// configNamesFor gathers the set of config bundle names relevant to a
// provider: its own configNames plus the TargetConfigRefs of every link
// routed to it, deduplicated.
func (s *Supervisor) configNamesFor(e *entry) []string {
	seen := make(map[string]struct{}, len(e.configNames))
	names := make([]string, 0, len(e.configNames))
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, name := range e.configNames {
		add(name)
	}

	if s.links != nil {
		for _, link := range s.links.LinksFor(e.id) {
			for _, name := range link.TargetConfigRefs {
				add(name)
			}
		}
	}

	return names
}

// loadConfigJSON gathers the named config bundles into a single
// name->values map, JSON-encoded for HostData.ConfigJSON.
func (s *Supervisor) loadConfigJSON(configNames []string) (string, error) {
	if s.store == nil {
		return "", nil
	}

	merged := make(map[string]map[string]string)
	for _, name := range configNames {
		bundle, err := s.store.GetConfig(name)
		if err != nil {
			if herr.Is(err, herr.NotFound) {
				continue
			}
			return "", err
		}
		merged[name] = bundle.Values
	}

	if len(merged) == 0 {
		return "", nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// loadSecretsJSON resolves the secret-ref bundles sharing a name with the
// provider's config bundles into plaintext, JSON-encoded for
// HostData.SecretsJSON. Unresolvable individual secrets are skipped
// rather than failing the whole bundle, since a provider may only need a
// subset of what's named.
func (s *Supervisor) loadSecretsJSON(configNames []string) (string, error) {
	if s.store == nil || s.secrets == nil {
		return "", nil
	}

	merged := make(map[string]map[string]string)
	for _, name := range configNames {
		bundle, err := s.store.GetSecretRefBundle(name)
		if err != nil {
			if herr.Is(err, herr.NotFound) {
				continue
			}
			return "", err
		}
		values := make(map[string]string, len(bundle.Refs))
		for key, ref := range bundle.Refs {
			val, rerr := s.secrets.Resolve(ref.Name, ref.Version)
			if rerr != nil {
				s.logger.Warn().Str("secret", ref.Name).Err(rerr).Msg("failed to resolve provider secret")
				continue
			}
			values[key] = val
		}
		if len(values) > 0 {
			merged[name] = values
		}
	}

	if len(merged) == 0 {
		return "", nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// supervise runs the health-check and restart-on-exit loop for e until
// Stop is called.
func (s *Supervisor) supervise(e *entry, linkName string) {
	defer e.doneWG.Done()

	exitCh := make(chan error, 1)
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	go func() { exitCh <- cmd.Wait() }()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			s.terminate(e)
			<-exitCh
			return

		case err := <-exitCh:
			e.mu.Lock()
			noRestart := e.noRestart
			e.mu.Unlock()
			if noRestart {
				return
			}

			s.logger.Warn().Str("provider_id", e.id).Err(err).Msg("provider process exited unexpectedly")
			metrics.ProviderRestartsTotal.WithLabelValues(e.id).Inc()

			if !s.backoffWait(e) {
				return
			}

			if rerr := s.spawn(context.Background(), e, linkName); rerr != nil {
				s.logger.Error().Str("provider_id", e.id).Err(rerr).Msg("provider restart failed")
				s.publishFailed(events.ProviderStartFailed, e.id, rerr.Error())
				return
			}
			s.publish(events.ProviderRestarted, e)

			e.mu.Lock()
			cmd = e.cmd
			e.mu.Unlock()
			exitCh = make(chan error, 1)
			go func() { exitCh <- cmd.Wait() }()

		case <-ticker.C:
			s.checkHealth(e)
		}
	}
}

func (s *Supervisor) backoffWait(e *entry) bool {
	e.mu.Lock()
	if time.Since(e.stableSince) > hostconfig.DefaultRestartStableWindow {
		e.restartAttempts = 0
	}
	e.restartAttempts++
	attempts := e.restartAttempts
	e.mu.Unlock()

	delay := hostconfig.DefaultRestartBackoffBase * time.Duration(1<<uint(attempts-1))
	if delay > hostconfig.DefaultRestartBackoffCap {
		delay = hostconfig.DefaultRestartBackoffCap
	}

	select {
	case <-time.After(delay):
		return true
	case <-e.stopCh:
		return false
	}
}

// checkHealth pings the provider over its control subject and updates
// its consecutive-miss tracking.
func (s *Supervisor) checkHealth(e *entry) {
	subject := s.conn.ProviderSubject(e.id, "health")
	start := time.Now()

	_, err := s.conn.Request(subject, nil, s.cfg.RPCTimeout)
	result := health.Result{CheckedAt: start, Duration: time.Since(start), Healthy: err == nil}
	if err != nil {
		result.Message = err.Error()
	}

	cfg := health.Config{Retries: hostconfig.DefaultConsecutiveHealthMiss, Interval: s.cfg.HealthCheckInterval}
	e.health.Update(result, cfg)

	if !e.health.Healthy {
		s.publish(events.ProviderHealthChanged, e)
	}
}

// Claims returns the claims recorded for provider id at start_provider
// time, if any (spec §4.A, §6 get_claims).
func (s *Supervisor) Claims(id string) (*types.Claims, bool) {
	s.mu.RLock()
	e, exists := s.providers[id]
	s.mu.RUnlock()
	if !exists {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claims, e.claims != nil
}

// NotifyLinkPut informs any running provider named by link's source or
// target id of a newly set link (spec §4.D), so a provider already
// routing traffic picks up the new link without a restart. A provider
// that is not currently running is silently skipped; its bootstrap
// HostData carries no link definitions, so it is not told of the link
// when it next starts.
func (s *Supervisor) NotifyLinkPut(link *types.Link) {
	payload, err := json.Marshal(link)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal link for provider notification")
		return
	}
	for _, id := range []string{link.SourceID, link.TargetID} {
		s.mu.RLock()
		_, running := s.providers[id]
		s.mu.RUnlock()
		if !running {
			continue
		}
		subject := s.conn.ProviderSubject(id, "link_put")
		if err := s.conn.Publish(subject, payload); err != nil {
			s.logger.Warn().Err(err).Str("provider", id).Msg("failed to notify provider of link_put")
		}
	}
}

// Stop shuts a provider down gracefully: a shutdown message, a grace
// delay, then SIGTERM, then SIGKILL if it still hasn't exited.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	e, exists := s.providers[id]
	if exists {
		delete(s.providers, id)
	}
	s.mu.Unlock()
	if !exists {
		return herr.New(herr.NotFound, fmt.Sprintf("provider %q not found", id))
	}

	e.mu.Lock()
	e.noRestart = true
	e.mu.Unlock()

	close(e.stopCh)
	e.doneWG.Wait()

	s.publish(events.ProviderStopped, e)
	return nil
}

func (s *Supervisor) terminate(e *entry) {
	subject := s.conn.ProviderSubject(e.id, "shutdown")
	_ = s.conn.Publish(subject, nil)

	time.Sleep(s.cfg.ProviderShutdownDelay)

	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ProviderShutdownDelay):
		_ = cmd.Process.Signal(syscall.SIGKILL)
	}
}

// Inventory returns the provider section of the host's inventory.
func (s *Supervisor) Inventory() []*types.ProviderInventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ProviderInventory, 0, len(s.providers))
	for _, e := range s.providers {
		e.mu.Lock()
		healthState := types.ProviderRunning
		if e.health != nil && !e.health.Healthy {
			healthState = types.ProviderFailed
		}
		out = append(out, &types.ProviderInventory{
			ID:          e.id,
			ImageRef:    e.imageRef,
			Annotations: e.annotations,
			Health:      healthState,
		})
		e.mu.Unlock()
	}
	return out
}

func (s *Supervisor) publish(eventType events.EventType, e *entry) {
	if s.broker == nil {
		return
	}
	e.mu.Lock()
	payload := map[string]string{"provider_id": e.id, "image_ref": e.imageRef}
	e.mu.Unlock()

	env, err := events.NewEnvelope(s.hostID, eventType, payload)
	if err != nil {
		return
	}
	s.broker.Publish(env)
}

func (s *Supervisor) publishFailed(eventType events.EventType, id, reason string) {
	if s.broker == nil {
		return
	}
	env, err := events.NewEnvelope(s.hostID, eventType, map[string]string{"provider_id": id, "reason": reason})
	if err != nil {
		return
	}
	s.broker.Publish(env)
}
