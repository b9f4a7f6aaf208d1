// Package events models the host's CloudEvents-shaped event stream: a
// local in-process Broker (generalized from the teacher's pkg/events,
// same buffered-channel/Subscriber shape) plus an Envelope type that
// mirrors what actually goes out over the lattice's wasmbus.evt subject.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle/control event raised by the
// host. Names follow the CloudEvents "type" convention used across the
// lattice: com.wasmcloud.lattice.<noun>_<verb>.
type EventType string

const (
	ComponentScaled       EventType = "com.wasmcloud.lattice.component_scaled"
	ComponentScaleFailed  EventType = "com.wasmcloud.lattice.component_scale_failed"
	ProviderStarted       EventType = "com.wasmcloud.lattice.provider_started"
	ProviderStartFailed   EventType = "com.wasmcloud.lattice.provider_start_failed"
	ProviderStopped       EventType = "com.wasmcloud.lattice.provider_stopped"
	ProviderRestarted     EventType = "com.wasmcloud.lattice.provider_restarted"
	ProviderHealthChanged EventType = "com.wasmcloud.lattice.health_check_status"
	LinkSet               EventType = "com.wasmcloud.lattice.linkdef_set"
	LinkSetFailed         EventType = "com.wasmcloud.lattice.linkdef_set_failed"
	LinkDeleted           EventType = "com.wasmcloud.lattice.linkdef_deleted"
	ConfigSet             EventType = "com.wasmcloud.lattice.config_set"
	ConfigDeleted         EventType = "com.wasmcloud.lattice.config_deleted"
	HostStarted           EventType = "com.wasmcloud.lattice.host_started"
	HostStopped           EventType = "com.wasmcloud.lattice.host_stopped"
	HostHeartbeat         EventType = "com.wasmcloud.lattice.host_heartbeat"
	InvocationFailed      EventType = "com.wasmcloud.lattice.invocation_failed"
)

// Envelope is the JSON shape published on the lattice event subject,
// loosely modeled on the CloudEvents 1.0 structured-mode JSON encoding:
// https://github.com/cloudevents/spec. No CloudEvents SDK was available
// anywhere in the reference corpus, so the envelope is hand-built on
// encoding/json rather than adopting a library shape that doesn't exist
// in the pack.
type Envelope struct {
	SpecVersion string          `json:"specversion"`
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        EventType       `json:"type"`
	Time        time.Time       `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data        json.RawMessage `json:"data"`
}

// NewEnvelope builds an Envelope for data, attributed to source (the
// host's NATS-style source URI, e.g. "wasmbus://default/host/NABC...").
func NewEnvelope(source string, typ EventType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		SpecVersion:     "1.0",
		ID:              uuid.NewString(),
		Source:          source,
		Type:            typ,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// Subscriber is a channel that receives envelopes.
type Subscriber chan *Envelope

// Broker fans out locally-raised events to in-process subscribers (used
// by the control plane's own bookkeeping and by tests); publication onto
// the NATS lattice event subject happens separately via pkg/bus, driven
// by a subscription to this same broker.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Envelope
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Envelope, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an envelope to all subscribers. It blocks while the
// broker's event buffer is full; if the broker is stopped, Publish
// silently drops the event.
func (b *Broker) Publish(env *Envelope) {
	select {
	case b.eventCh <- env:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case env := <-b.eventCh:
			b.broadcast(env)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- env:
		default:
			// subscriber buffer full, drop rather than block the broker
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
