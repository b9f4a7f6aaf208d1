// Package supervisor implements the Component Supervisor (spec §4.F):
// one entry per component id, a bounded invocation channel sized per the
// clamp rule, and the Absent/Starting/Running/Draining/Updating state
// machine.
//
// Grounded on the teacher's pkg/worker.Worker: a
// map[string]*componentEntry guarded by sync.RWMutex, one goroutine per
// running unit, and events published the way the teacher's worker
// publishes through manager.PublishEvent.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/policy"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/rs/zerolog"
)

// Loader fetches and compiles a component artifact, returning an
// invocation handle. Implemented by a wiring layer that composes
// pkg/oci and pkg/wasmengine; kept as an interface here so the
// supervisor doesn't import the engine directly.
type Loader interface {
	Load(ctx context.Context, id, imageRef string) (Invoker, error)
}

// Invoker executes one invocation against a compiled component instance.
type Invoker interface {
	Invoke(ctx context.Context, exportName string, args []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// ClaimsInvoker is implemented by an Invoker whose artifact carried
// verified claims (spec §4.A), recorded against the component for
// get_claims (spec §6) to return.
type ClaimsInvoker interface {
	Invoker
	Claims() *types.Claims
}

const (
	minChannelSize = 1024
	maxChannelSize = 65536
)

func clamp(n uint32) int {
	v := int(n)
	if v < minChannelSize {
		return minChannelSize
	}
	if v > maxChannelSize {
		return maxChannelSize
	}
	return v
}

type invocationResult struct {
	data []byte
	err  error
}

// componentEntry is the supervisor's per-component bookkeeping. tasks is
// a permit semaphore sized per spec §4.F's clamp rule: each admitted
// invocation holds one permit and runs in its own goroutine, so at most
// cap(tasks) invocations execute concurrently; Invoke additionally
// rejects a call once active reaches maxInstances.
type componentEntry struct {
	mu sync.RWMutex

	id           string
	imageRef     string
	claims       *types.Claims
	maxInstances uint32
	active       int32
	maxObserved  uint32
	annotations  map[string]string
	configNames  []string
	state        types.ComponentState

	invoker Invoker
	tasks   chan struct{}
	drainWG sync.WaitGroup
}

// Supervisor owns every component's scale pool on this host.
type Supervisor struct {
	loader Loader
	gate   *policy.Gate
	broker *events.Broker
	source string

	mu         sync.RWMutex
	components map[string]*componentEntry

	logger zerolog.Logger
}

// New builds a Supervisor.
func New(loader Loader, gate *policy.Gate, broker *events.Broker, eventSource string) *Supervisor {
	return &Supervisor{
		loader:     loader,
		gate:       gate,
		broker:     broker,
		source:     eventSource,
		components: make(map[string]*componentEntry),
		logger:     log.WithComponent("supervisor"),
	}
}

// Scale implements spec §4.F's scale primitive.
func (s *Supervisor) Scale(ctx context.Context, id, imageRef string, maxInstances uint32, annotations map[string]string, configNames []string, allowUpdate bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScaleDuration)

	if _, err := s.gate.Check(policy.ActionScaleComponent, id, imageRef); err != nil {
		metrics.ScaleOperationsTotal.WithLabelValues("denied").Inc()
		s.publishScaleFailed(id, err.Error())
		return err
	}

	s.mu.Lock()
	entry, exists := s.components[id]
	if !exists {
		if maxInstances == 0 {
			s.mu.Unlock()
			return nil // scaling an absent component to zero is a no-op
		}
		entry = &componentEntry{
			id:          id,
			imageRef:    imageRef,
			annotations: annotations,
			configNames: configNames,
			state:       types.ComponentStarting,
		}
		s.components[id] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	if exists && entry.imageRef != imageRef && !allowUpdate {
		s.logger.Warn().Str("component_id", id).Str("requested_ref", imageRef).
			Msg("scale requested a different image ref without allow_update; ref left unchanged")
	}
	entry.maxInstances = maxInstances
	entry.annotations = annotations
	entry.configNames = configNames
	entry.mu.Unlock()

	if !exists {
		invoker, err := s.loader.Load(ctx, id, entry.imageRef)
		if err != nil {
			s.mu.Lock()
			delete(s.components, id)
			s.mu.Unlock()
			metrics.ScaleOperationsTotal.WithLabelValues("load_failed").Inc()
			s.publishScaleFailed(id, err.Error())
			return err
		}

		entry.mu.Lock()
		entry.invoker = invoker
		entry.tasks = make(chan struct{}, clamp(maxInstances))
		entry.state = types.ComponentRunning
		if ci, ok := invoker.(ClaimsInvoker); ok {
			entry.claims = ci.Claims()
		}
		entry.mu.Unlock()
	}

	if maxInstances == 0 {
		s.drain(entry)
	}

	metrics.ScaleOperationsTotal.WithLabelValues("ok").Inc()
	s.publishScaled(entry)
	return nil
}

// Update implements the update(new_ref) transition.
func (s *Supervisor) Update(ctx context.Context, id, newImageRef string) error {
	s.mu.RLock()
	entry, exists := s.components[id]
	s.mu.RUnlock()
	if !exists {
		return herr.New(herr.NotFound, fmt.Sprintf("component %q not found", id))
	}

	entry.mu.RLock()
	sameRef := entry.imageRef == newImageRef
	entry.mu.RUnlock()
	if sameRef {
		return herr.New(herr.UpdateNoop, fmt.Sprintf("component %q already runs image ref %q", id, newImageRef))
	}

	if _, err := s.gate.Check(policy.ActionUpdateComponent, id, newImageRef); err != nil {
		return err
	}

	invoker, err := s.loader.Load(ctx, id, newImageRef)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.state = types.ComponentUpdating
	old := entry.invoker
	entry.invoker = invoker
	entry.imageRef = newImageRef
	entry.state = types.ComponentRunning
	if ci, ok := invoker.(ClaimsInvoker); ok {
		entry.claims = ci.Claims()
	} else {
		entry.claims = nil
	}
	entry.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}

	s.publishScaled(entry)
	return nil
}

// Invoke admits and runs one invocation against component id.
func (s *Supervisor) Invoke(ctx context.Context, id, exportName string, args []byte) ([]byte, error) {
	s.mu.RLock()
	entry, exists := s.components[id]
	s.mu.RUnlock()
	if !exists {
		return nil, herr.New(herr.NotFound, fmt.Sprintf("component %q not found", id))
	}

	entry.mu.RLock()
	state := entry.state
	max := entry.maxInstances
	active := atomic.LoadInt32(&entry.active)
	entry.mu.RUnlock()

	if state != types.ComponentRunning {
		return nil, herr.New(herr.Overloaded, fmt.Sprintf("component %q is not running (state=%s)", id, state))
	}
	if uint32(active) >= max {
		metrics.InvocationsTotal.WithLabelValues(id, "overloaded").Inc()
		return nil, herr.New(herr.Overloaded, fmt.Sprintf("component %q has %d active invocations at max_instances=%d", id, active, max))
	}
	if _, err := s.gate.Check(policy.ActionInvoke, id, exportName); err != nil {
		metrics.InvocationsTotal.WithLabelValues(id, "denied").Inc()
		return nil, err
	}

	select {
	case entry.tasks <- struct{}{}:
	default:
		metrics.InvocationsTotal.WithLabelValues(id, "overloaded").Inc()
		return nil, herr.New(herr.Overloaded, fmt.Sprintf("component %q has no free invocation slots at max_instances=%d", id, max))
	}

	result := make(chan invocationResult, 1)
	entry.drainWG.Add(1)
	go s.runInvocation(entry, exportName, args, result)

	select {
	case r := <-result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runInvocation executes one invocation in its own goroutine, per spec
// §4.E's "each invocation runs in its own task". entry.tasks bounds how
// many of these run concurrently to clamp(max_instances); the active
// check in Invoke is what holds admission to max_instances.
func (s *Supervisor) runInvocation(entry *componentEntry, exportName string, args []byte, result chan<- invocationResult) {
	defer entry.drainWG.Done()
	defer func() { <-entry.tasks }()

	atomic.AddInt32(&entry.active, 1)
	s.recordActive(entry)
	metrics.InvocationsTotal.WithLabelValues(entry.id, "started").Inc()

	timer := metrics.NewTimer()
	data, err := entry.invoker.Invoke(context.Background(), exportName, args)
	timer.ObserveDurationVec(metrics.InvocationDuration, entry.id)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.InvocationsTotal.WithLabelValues(entry.id, outcome).Inc()

	atomic.AddInt32(&entry.active, -1)
	s.recordActive(entry)

	result <- invocationResult{data: data, err: err}
}

func (s *Supervisor) recordActive(entry *componentEntry) {
	active := atomic.LoadInt32(&entry.active)
	metrics.ActiveInstances.WithLabelValues(entry.id).Set(float64(active))

	entry.mu.Lock()
	if uint32(active) > entry.maxObserved {
		entry.maxObserved = uint32(active)
	}
	entry.mu.Unlock()
}

func (s *Supervisor) drain(entry *componentEntry) {
	entry.mu.Lock()
	entry.state = types.ComponentDraining
	entry.mu.Unlock()

	entry.drainWG.Wait()

	if entry.invoker != nil {
		_ = entry.invoker.Close(context.Background())
	}

	s.mu.Lock()
	delete(s.components, entry.id)
	s.mu.Unlock()

	entry.mu.Lock()
	entry.state = types.ComponentAbsent
	entry.mu.Unlock()
}

// Claims returns the claims recorded for component id, if its artifact
// carried any (spec §4.A, §6 get_claims).
func (s *Supervisor) Claims(id string) (*types.Claims, bool) {
	s.mu.RLock()
	entry, exists := s.components[id]
	s.mu.RUnlock()
	if !exists {
		return nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.claims, entry.claims != nil
}

// Inventory returns the component section of the host's inventory.
func (s *Supervisor) Inventory() []*types.ComponentInventory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ComponentInventory, 0, len(s.components))
	for _, e := range s.components {
		e.mu.RLock()
		out = append(out, &types.ComponentInventory{
			ID:              e.id,
			ImageRef:        e.imageRef,
			Annotations:     e.annotations,
			MaxInstances:    e.maxInstances,
			ActiveInstances: uint32(atomic.LoadInt32(&e.active)),
		})
		e.mu.RUnlock()
	}
	return out
}

func (s *Supervisor) publishScaled(entry *componentEntry) {
	if s.broker == nil {
		return
	}
	entry.mu.RLock()
	payload := map[string]any{
		"component_id":  entry.id,
		"image_ref":     entry.imageRef,
		"max_instances": entry.maxInstances,
		"active":        atomic.LoadInt32(&entry.active),
		"max_observed":  entry.maxObserved,
	}
	entry.mu.RUnlock()

	env, err := events.NewEnvelope(s.source, events.ComponentScaled, payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to build component_scaled envelope")
		return
	}
	s.broker.Publish(env)
}

func (s *Supervisor) publishScaleFailed(id, reason string) {
	if s.broker == nil {
		return
	}
	env, err := events.NewEnvelope(s.source, events.ComponentScaleFailed, map[string]string{
		"component_id": id,
		"reason":       reason,
	})
	if err != nil {
		return
	}
	s.broker.Publish(env)
}
