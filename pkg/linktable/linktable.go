// Package linktable is the authoritative in-memory projection of the
// durable link KV bucket (spec §4.D): put_link/delete_link/resolve/
// links_for, enforcing the (source, wit_ns, wit_pkg, link_name) unique
// key and publishing LinkSet/LinkSetFailed/LinkDeleted events.
//
// Grounded on the teacher's pkg/storage.Store interface shape (typed CRUD
// backed by a durable store) with the authoritative copy moved into
// memory, matching the teacher's pkg/worker.Worker.containers
// map+sync.RWMutex pattern.
package linktable

import (
	"fmt"
	"sync"

	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/rs/zerolog"
)

// Table is the link table: the in-memory projection plus its durable backing store.
type Table struct {
	store  *configstore.Store
	broker *events.Broker
	source string // event envelope source URI

	mu    sync.RWMutex
	links map[types.LinkKey]*types.Link

	logger zerolog.Logger
}

// New builds a Table and loads its initial projection from store.
func New(store *configstore.Store, broker *events.Broker, eventSource string) (*Table, error) {
	t := &Table{
		store:  store,
		broker: broker,
		source: eventSource,
		links:  make(map[types.LinkKey]*types.Link),
		logger: log.WithComponent("linktable"),
	}

	existing, err := store.ListLinks()
	if err != nil {
		return nil, fmt.Errorf("linktable: load existing links: %w", err)
	}
	for _, l := range existing {
		t.links[l.Key()] = l
	}
	metrics.LinksTotal.Set(float64(len(t.links)))

	return t, nil
}

// PutLink upserts a link, enforcing the unique-key invariant: an existing
// entry for the same key with a different target or interface list is a DuplicateLink
// error; an identical re-put is a no-op success (idempotent).
func (t *Table) PutLink(link *types.Link) error {
	key := link.Key()

	t.mu.Lock()
	existing, ok := t.links[key]
	if ok && sameLink(existing, link) {
		t.mu.Unlock()
		return nil
	}
	if ok && !sameLink(existing, link) {
		t.mu.Unlock()
		t.publishFailed(key, "conflicting link already exists for this key")
		metrics.LinkOperationsTotal.WithLabelValues("put_link", "duplicate").Inc()
		return herr.New(herr.DuplicateLink, fmt.Sprintf("link already exists for key %s with a different target or interface list", key.String()))
	}
	t.mu.Unlock()

	if err := t.store.PutLink(link); err != nil {
		t.publishFailed(key, err.Error())
		metrics.LinkOperationsTotal.WithLabelValues("put_link", "error").Inc()
		return fmt.Errorf("linktable: persist link: %w", err)
	}

	t.mu.Lock()
	t.links[key] = link
	count := len(t.links)
	t.mu.Unlock()

	metrics.LinksTotal.Set(float64(count))
	metrics.LinkOperationsTotal.WithLabelValues("put_link", "ok").Inc()
	t.publishEnvelope(events.LinkSet, link)
	return nil
}

// DeleteLink removes a link by key. Deleting an absent link succeeds
// silently, per spec §4.D's idempotence requirement.
func (t *Table) DeleteLink(key types.LinkKey) error {
	t.mu.Lock()
	_, existed := t.links[key]
	delete(t.links, key)
	count := len(t.links)
	t.mu.Unlock()

	if err := t.store.DeleteLink(key); err != nil {
		return fmt.Errorf("linktable: delete link: %w", err)
	}

	metrics.LinksTotal.Set(float64(count))
	if existed {
		metrics.LinkOperationsTotal.WithLabelValues("delete_link", "ok").Inc()
		t.publishEnvelope(events.LinkDeleted, map[string]string{
			"source_id":     key.SourceID,
			"wit_namespace": key.WitNamespace,
			"wit_package":   key.WitPackage,
			"link_name":     key.LinkName,
		})
	}
	return nil
}

// Resolve looks up the link for (source, wit_ns, wit_pkg, link_name).
func (t *Table) Resolve(source, witNamespace, witPackage, linkName string) (*types.Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l, ok := t.links[types.LinkKey{
		SourceID:     source,
		WitNamespace: witNamespace,
		WitPackage:   witPackage,
		LinkName:     linkName,
	}]
	return l, ok
}

// LinksFor returns every link where id is the source or the target.
func (t *Table) LinksFor(id string) []*types.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*types.Link
	for _, l := range t.links {
		if l.SourceID == id || l.TargetID == id {
			out = append(out, l)
		}
	}
	return out
}

// All returns every link currently held.
func (t *Table) All() []*types.Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	return out
}

func (t *Table) publishEnvelope(typ events.EventType, data any) {
	if t.broker == nil {
		return
	}
	env, err := events.NewEnvelope(t.source, typ, data)
	if err != nil {
		t.logger.Warn().Err(err).Msg("failed to build event envelope")
		return
	}
	t.broker.Publish(env)
}

func (t *Table) publishFailed(key types.LinkKey, reason string) {
	t.publishEnvelope(events.LinkSetFailed, map[string]string{
		"source_id":     key.SourceID,
		"wit_namespace": key.WitNamespace,
		"wit_package":   key.WitPackage,
		"link_name":     key.LinkName,
		"reason":        reason,
	})
}

func sameLink(a, b *types.Link) bool {
	if a.TargetID != b.TargetID {
		return false
	}
	if len(a.WitInterfaces) != len(b.WitInterfaces) {
		return false
	}
	for i := range a.WitInterfaces {
		if a.WitInterfaces[i] != b.WitInterfaces[i] {
			return false
		}
	}
	return true
}
