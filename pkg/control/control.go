// Package control implements the Control Plane (spec §4.H): one NATS
// subscription per verb under {ctl_prefix}.{lattice}.{v}.{host_id}.<verb>,
// JSON command decode, per-resource-id serialization, and the
// CtlResponse{success,message,response} wrapper.
//
// Grounded on the teacher's pkg/api/server.go per-RPC-method handler
// shape; subjects replace gRPC methods, and the teacher's single
// ensureLeader precondition generalizes into a striped per-resource-id
// lock, since spec §1 gives each host no leader to defer to.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/bus"
	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/linktable"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/cuemby/wasmcloud-host/pkg/types"
	"github.com/rs/zerolog"
)

const protocolVersion = "v1"
const oversizeWarnBytes = 900 * 1024

// ComponentSupervisor is the subset of pkg/supervisor.Supervisor's API
// the control plane drives.
type ComponentSupervisor interface {
	Scale(ctx context.Context, id, imageRef string, maxInstances uint32, annotations map[string]string, configNames []string, allowUpdate bool) error
	Update(ctx context.Context, id, newImageRef string) error
	Inventory() []*types.ComponentInventory
	Claims(id string) (*types.Claims, bool)
}

// ProviderSupervisor is the subset of pkg/provider.Supervisor's API the
// control plane drives.
type ProviderSupervisor interface {
	Start(ctx context.Context, id, binaryPath, imageRef string, annotations map[string]string, configNames []string, claims *types.Claims, linkName string) error
	Stop(id string) error
	Inventory() []*types.ProviderInventory
	Claims(id string) (*types.Claims, bool)
	NotifyLinkPut(link *types.Link)
}

// HostView exposes the host-wide identity and label state the control
// plane reads and mutates.
type HostView interface {
	Snapshot() types.Host
	PutLabel(key, value string) error
	DeleteLabel(key string) error
	Shutdown(ctx context.Context)
}

// Deps bundles everything the control plane dispatches into.
type Deps struct {
	Conn       *bus.Conn
	Components ComponentSupervisor
	Providers  ProviderSupervisor
	Links      *linktable.Table
	Config     *configstore.Store
	Host       HostView
	Broker     *events.Broker
}

// Controller owns the control-plane subject subscriptions.
type Controller struct {
	deps   Deps
	hostID string

	stripeMu sync.Mutex
	stripes  map[string]*sync.Mutex

	logger zerolog.Logger
}

// New builds a Controller.
func New(deps Deps, hostID string) *Controller {
	return &Controller{
		deps:    deps,
		hostID:  hostID,
		stripes: make(map[string]*sync.Mutex),
		logger:  log.WithComponent("control"),
	}
}

// Start registers one subscription per supported verb, plus the
// lattice-wide inventory wildcard answered with this host's inventory.
func (c *Controller) Start() error {
	verbs := map[string]func([]byte) (any, error){
		"start_provider":      c.handleStartProvider,
		"stop_provider":       c.handleStopProvider,
		"scale_component":     c.handleScaleComponent,
		"update_component":    c.handleUpdateComponent,
		"put_link":            c.handlePutLink,
		"delete_link":         c.handleDeleteLink,
		"get_links":           c.handleGetLinks,
		"put_config":          c.handlePutConfig,
		"delete_config":       c.handleDeleteConfig,
		"get_config":          c.handleGetConfig,
		"get_hosts":           c.handleGetHosts,
		"get_host_inventory":  c.handleGetHostInventory,
		"label_put":           c.handleLabelPut,
		"label_del":           c.handleLabelDel,
		"stop_host":           c.handleStopHost,
		"get_claims":          c.handleGetClaims,
		"auction_component":   c.handleAuctionComponent,
		"auction_provider":    c.handleAuctionProvider,
	}

	for verb, handler := range verbs {
		verb, handler := verb, handler
		subject := c.deps.Conn.ControlSubject(protocolVersion, c.hostID, verb)
		if _, err := c.deps.Conn.Subscribe(subject, c.dispatch(verb, handler)); err != nil {
			return fmt.Errorf("control: subscribe %q: %w", subject, err)
		}
	}

	inventorySubject := c.deps.Conn.ControlInventoryWildcard(protocolVersion)
	if _, err := c.deps.Conn.Subscribe(inventorySubject, c.dispatch("get_host_inventory", c.handleGetHostInventory)); err != nil {
		return fmt.Errorf("control: subscribe %q: %w", inventorySubject, err)
	}

	return nil
}

func (c *Controller) dispatch(verb string, handler func([]byte) (any, error)) func(subject string, data []byte, reply string) {
	return func(subject string, data []byte, reply string) {
		timer := metrics.NewTimer()

		resourceID := resourceIDFromCommand(verb, data)
		unlock := c.lockResource(resourceID)
		defer unlock()

		result, err := handler(data)

		timer.ObserveDurationVec(metrics.ControlRequestDuration, verb)

		resp := ctlResponse{}
		if err != nil {
			resp.Success = false
			resp.Message = err.Error()
			metrics.ControlRequestsTotal.WithLabelValues(verb, "error").Inc()
			c.publishFailed(verb, resourceID, err.Error())
		} else {
			resp.Success = true
			resp.Response = result
			metrics.ControlRequestsTotal.WithLabelValues(verb, "ok").Inc()
		}

		payload, merr := json.Marshal(resp)
		if merr != nil {
			c.logger.Error().Err(merr).Str("verb", verb).Msg("failed to marshal control response")
			return
		}
		if len(payload) > oversizeWarnBytes {
			c.logger.Warn().Str("verb", verb).Int("bytes", len(payload)).Msg("control response exceeds size threshold; sending anyway")
		}

		if err := c.deps.Conn.Reply(reply, payload); err != nil {
			c.logger.Warn().Err(err).Str("verb", verb).Msg("failed to send control response")
		}
	}
}

type ctlResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Response any    `json:"response,omitempty"`
}

func (c *Controller) lockResource(id string) func() {
	c.stripeMu.Lock()
	mu, ok := c.stripes[id]
	if !ok {
		mu = &sync.Mutex{}
		c.stripes[id] = mu
	}
	c.stripeMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func resourceIDFromCommand(verb string, data []byte) string {
	var probe struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		SourceID string `json:"source_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return verb
	}
	switch {
	case probe.ID != "":
		return probe.ID
	case probe.Name != "":
		return probe.Name
	case probe.SourceID != "":
		return probe.SourceID
	default:
		return verb
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return herr.Wrap(herr.InvalidRequest, "decode control command", err)
	}
	return nil
}

// -- verb handlers --

type scaleComponentCmd struct {
	ID           string            `json:"id"`
	ImageRef     string            `json:"image_ref"`
	MaxInstances uint32            `json:"max_instances"`
	Annotations  map[string]string `json:"annotations"`
	ConfigNames  []string          `json:"config_names"`
	AllowUpdate  bool              `json:"allow_update"`
}

func (c *Controller) handleScaleComponent(data []byte) (any, error) {
	var cmd scaleComponentCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		return nil, herr.New(herr.InvalidRequest, "scale_component requires id")
	}
	err := c.deps.Components.Scale(context.Background(), cmd.ID, cmd.ImageRef, cmd.MaxInstances, cmd.Annotations, cmd.ConfigNames, cmd.AllowUpdate)
	return nil, err
}

type updateComponentCmd struct {
	ID       string `json:"id"`
	ImageRef string `json:"image_ref"`
}

func (c *Controller) handleUpdateComponent(data []byte) (any, error) {
	var cmd updateComponentCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	err := c.deps.Components.Update(context.Background(), cmd.ID, cmd.ImageRef)
	if herr.KindOf(err) == herr.UpdateNoop {
		return nil, nil // synchronous no-op success, not a failure
	}
	return nil, err
}

type startProviderCmd struct {
	ID          string            `json:"id"`
	BinaryPath  string            `json:"binary_path"`
	ImageRef    string            `json:"image_ref"`
	Annotations map[string]string `json:"annotations"`
	ConfigNames []string          `json:"config_names"`
	LinkName    string            `json:"link_name"`
}

func (c *Controller) handleStartProvider(data []byte) (any, error) {
	var cmd startProviderCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.ID == "" || cmd.BinaryPath == "" {
		return nil, herr.New(herr.InvalidRequest, "start_provider requires id and binary_path")
	}
	err := c.deps.Providers.Start(context.Background(), cmd.ID, cmd.BinaryPath, cmd.ImageRef, cmd.Annotations, cmd.ConfigNames, nil, cmd.LinkName)
	return nil, err
}

type stopProviderCmd struct {
	ID string `json:"id"`
}

func (c *Controller) handleStopProvider(data []byte) (any, error) {
	var cmd stopProviderCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	return nil, c.deps.Providers.Stop(cmd.ID)
}

type putLinkCmd struct {
	SourceID      string   `json:"source_id"`
	WitNamespace  string   `json:"wit_namespace"`
	WitPackage    string   `json:"wit_package"`
	WitInterfaces []string `json:"wit_interfaces"`
	LinkName      string   `json:"link_name"`
	TargetID      string   `json:"target_id"`
}

func (c *Controller) handlePutLink(data []byte) (any, error) {
	var cmd putLinkCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.LinkName == "" {
		cmd.LinkName = "default"
	}
	link := &types.Link{
		SourceID:      cmd.SourceID,
		WitNamespace:  cmd.WitNamespace,
		WitPackage:    cmd.WitPackage,
		WitInterfaces: cmd.WitInterfaces,
		LinkName:      cmd.LinkName,
		TargetID:      cmd.TargetID,
	}
	if err := c.deps.Links.PutLink(link); err != nil {
		return nil, err
	}
	c.deps.Providers.NotifyLinkPut(link)
	return nil, nil
}

type deleteLinkCmd struct {
	SourceID     string `json:"source_id"`
	WitNamespace string `json:"wit_namespace"`
	WitPackage   string `json:"wit_package"`
	LinkName     string `json:"link_name"`
}

func (c *Controller) handleDeleteLink(data []byte) (any, error) {
	var cmd deleteLinkCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	key := types.LinkKey{
		SourceID:     cmd.SourceID,
		WitNamespace: cmd.WitNamespace,
		WitPackage:   cmd.WitPackage,
		LinkName:     cmd.LinkName,
	}
	return nil, c.deps.Links.DeleteLink(key)
}

func (c *Controller) handleGetLinks(data []byte) (any, error) {
	return c.deps.Links.All(), nil
}

type putConfigCmd struct {
	Name   string            `json:"name"`
	Values map[string]string `json:"values"`
}

func (c *Controller) handlePutConfig(data []byte) (any, error) {
	var cmd putConfigCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.Name == "" {
		return nil, herr.New(herr.InvalidRequest, "put_config requires name")
	}
	timer := metrics.NewTimer()
	bundle := &types.ConfigBundle{Name: cmd.Name, Values: cmd.Values, UpdatedAt: time.Now()}
	err := c.deps.Config.PutConfig(bundle)
	timer.ObserveDuration(metrics.ConfigFanoutDuration)
	return nil, err
}

type deleteConfigCmd struct {
	Name string `json:"name"`
}

func (c *Controller) handleDeleteConfig(data []byte) (any, error) {
	var cmd deleteConfigCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	return nil, c.deps.Config.DeleteConfig(cmd.Name)
}

func (c *Controller) handleGetConfig(data []byte) (any, error) {
	var cmd deleteConfigCmd // {name}
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	return c.deps.Config.GetConfig(cmd.Name)
}

func (c *Controller) handleGetHosts(data []byte) (any, error) {
	host := c.deps.Host.Snapshot()
	return []types.Host{host}, nil
}

func (c *Controller) handleGetHostInventory(data []byte) (any, error) {
	host := c.deps.Host.Snapshot()
	return &types.Inventory{
		HostID:     host.ID,
		Labels:     host.Labels,
		Components: c.deps.Components.Inventory(),
		Providers:  c.deps.Providers.Inventory(),
	}, nil
}

type labelCmd struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (c *Controller) handleLabelPut(data []byte) (any, error) {
	var cmd labelCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	return nil, c.deps.Host.PutLabel(cmd.Key, cmd.Value)
}

func (c *Controller) handleLabelDel(data []byte) (any, error) {
	var cmd labelCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	return nil, c.deps.Host.DeleteLabel(cmd.Key)
}

func (c *Controller) handleStopHost(data []byte) (any, error) {
	go c.deps.Host.Shutdown(context.Background())
	return nil, nil
}

type getClaimsCmd struct {
	ID string `json:"id"`
}

// handleGetClaims implements the get_claims verb (spec §6): returns
// whatever claims pkg/claims verified for id's artifact, checking
// components before providers.
func (c *Controller) handleGetClaims(data []byte) (any, error) {
	var cmd getClaimsCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		return nil, herr.New(herr.InvalidRequest, "get_claims requires id")
	}
	if cl, ok := c.deps.Components.Claims(cmd.ID); ok {
		return cl, nil
	}
	if cl, ok := c.deps.Providers.Claims(cmd.ID); ok {
		return cl, nil
	}
	return nil, herr.New(herr.NotFound, fmt.Sprintf("no claims recorded for %q", cmd.ID))
}

// auctionBid is the response to a satisfied auction: this host is
// eligible to run the referenced artifact under the given constraints.
type auctionBid struct {
	HostID       string            `json:"host_id"`
	ComponentRef string            `json:"component_ref,omitempty"`
	ProviderRef  string            `json:"provider_ref,omitempty"`
	Constraints  map[string]string `json:"constraints,omitempty"`
}

type auctionComponentCmd struct {
	ComponentRef string            `json:"component_ref"`
	Constraints  map[string]string `json:"constraints"`
}

// handleAuctionComponent implements auction_component (spec §6).
// Auctions here are host-local: there is no lattice-wide bid
// collection, so a match is decided against this host's own labels and
// answered synchronously; no-match is reported as AuctionNoMatch rather
// than silence.
func (c *Controller) handleAuctionComponent(data []byte) (any, error) {
	var cmd auctionComponentCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if !c.satisfiesConstraints(cmd.Constraints) {
		return nil, herr.New(herr.AuctionNoMatch, fmt.Sprintf("host does not satisfy constraints %v", cmd.Constraints))
	}
	return &auctionBid{HostID: c.hostID, ComponentRef: cmd.ComponentRef, Constraints: cmd.Constraints}, nil
}

type auctionProviderCmd struct {
	ProviderRef string            `json:"provider_ref"`
	LinkName    string            `json:"link_name"`
	Constraints map[string]string `json:"constraints"`
}

// handleAuctionProvider implements auction_provider (spec §6), the
// provider-side counterpart of auction_component.
func (c *Controller) handleAuctionProvider(data []byte) (any, error) {
	var cmd auctionProviderCmd
	if err := decodeStrict(data, &cmd); err != nil {
		return nil, err
	}
	if !c.satisfiesConstraints(cmd.Constraints) {
		return nil, herr.New(herr.AuctionNoMatch, fmt.Sprintf("host does not satisfy constraints %v", cmd.Constraints))
	}
	return &auctionBid{HostID: c.hostID, ProviderRef: cmd.ProviderRef, Constraints: cmd.Constraints}, nil
}

// satisfiesConstraints reports whether every constraint key-value pair
// matches a label this host currently carries.
func (c *Controller) satisfiesConstraints(constraints map[string]string) bool {
	if len(constraints) == 0 {
		return true
	}
	labels := c.deps.Host.Snapshot().Labels
	for k, v := range constraints {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (c *Controller) publishFailed(verb, resourceID, reason string) {
	if c.deps.Broker == nil {
		return
	}
	eventType := events.EventType(fmt.Sprintf("com.wasmcloud.lattice.%s_failed", verb))
	env, err := events.NewEnvelope(c.hostID, eventType, map[string]string{
		"verb":        verb,
		"resource_id": resourceID,
		"reason":      reason,
	})
	if err != nil {
		return
	}
	c.deps.Broker.Publish(env)
}
