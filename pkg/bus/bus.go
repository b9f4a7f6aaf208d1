// Package bus wraps the lattice's NATS connection and the subject
// conventions named in spec §6, grounded on the teacher's preference for
// a single long-lived client handle wired through every subsystem that
// needs the network (see pkg/worker.Worker.client in the teacher).
package bus

import (
	"fmt"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/hostconfig"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Conn wraps a *nats.Conn with the lattice's subject-building helpers.
type Conn struct {
	nc     *nats.Conn
	prefix Prefixes
	logger zerolog.Logger
}

// Prefixes holds the three configurable subject prefixes used throughout
// the lattice (spec §6's subject template table).
type Prefixes struct {
	Lattice string
	Ctl     string
	Event   string
	RPC     string
}

// PrefixesFromConfig builds Prefixes from a loaded Config.
func PrefixesFromConfig(cfg hostconfig.Config) Prefixes {
	return Prefixes{
		Lattice: cfg.LatticeID,
		Ctl:     cfg.CtlTopicPrefix,
		Event:   cfg.EventPrefix,
		RPC:     cfg.RPCPrefix,
	}
}

// Connect dials the configured NATS server, wiring JWT/seed or TLS CA
// auth when present. A connection-lost callback is installed so the
// caller can drive the fatal-shutdown path named in spec §6 (exit code 2).
func Connect(cfg hostconfig.Config, onPermanentLoss func(error)) (*Conn, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("wasmcloud-host-%s", cfg.LatticeID)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if onPermanentLoss != nil {
				onPermanentLoss(fmt.Errorf("bus: connection permanently closed"))
			}
		}),
	}

	if cfg.NATSSeed != "" && cfg.NATSJWT != "" {
		opts = append(opts, nats.UserJWTAndSeed(cfg.NATSJWT, cfg.NATSSeed))
	}
	if cfg.NATSTLSCA != "" {
		opts = append(opts, nats.RootCAs(cfg.NATSTLSCA))
	}

	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", cfg.NATSURL, err)
	}

	return &Conn{
		nc:     nc,
		prefix: PrefixesFromConfig(cfg),
		logger: log.WithComponent("bus"),
	}, nil
}

// Close drains and closes the connection.
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("error draining NATS connection")
	}
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Publish publishes raw data on subject.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

// Request performs a request/reply round trip with the given timeout.
func (c *Conn) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.nc.Request(subject, data, timeout)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// RequestWithHeaders performs a request/reply round trip carrying NATS
// headers (used by the router to attach trace context and link-name).
func (c *Conn) RequestWithHeaders(subject string, headers map[string]string, data []byte, timeout time.Duration) ([]byte, error) {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	reply, err := c.nc.RequestMsg(msg, timeout)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Subscribe registers a plain (non-queue) subscription.
func (c *Conn) Subscribe(subject string, handler func(subject string, data []byte, reply string)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data, msg.Reply)
	})
}

// QueueSubscribe registers a queue-group subscription, so subscribers
// sharing a queue name load-balance traffic. The control plane uses
// plain Subscribe.
func (c *Conn) QueueSubscribe(subject, queue string, handler func(subject string, data []byte, reply string)) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data, msg.Reply)
	})
}

// Reply publishes data to a reply subject captured from an inbound message.
func (c *Conn) Reply(reply string, data []byte) error {
	if reply == "" {
		return nil
	}
	return c.nc.Publish(reply, data)
}

// -- Subject builders, per spec §6's table --

// ControlSubject builds `{ctl_prefix}.{lattice}.{v}.{host_id}.{verb}[.{resource}]`.
func (c *Conn) ControlSubject(version, hostID, verb string, resource ...string) string {
	s := fmt.Sprintf("%s.%s.%s.%s.%s", c.prefix.Ctl, c.prefix.Lattice, version, hostID, verb)
	for _, r := range resource {
		s += "." + r
	}
	return s
}

// ControlInventoryWildcard builds `{ctl_prefix}.{lattice}.{v}.*.get.inventory`.
func (c *Conn) ControlInventoryWildcard(version string) string {
	return fmt.Sprintf("%s.%s.%s.*.get.inventory", c.prefix.Ctl, c.prefix.Lattice, version)
}

// EventSubject builds `{event_prefix}.{lattice}.{event_name}`.
func (c *Conn) EventSubject(eventName string) string {
	return fmt.Sprintf("%s.%s.%s", c.prefix.Event, c.prefix.Lattice, eventName)
}

// HeartbeatSubject builds `{event_prefix}.{lattice}.host_heartbeat`.
func (c *Conn) HeartbeatSubject() string {
	return c.EventSubject("host_heartbeat")
}

// ProviderSubject builds `{rpc_prefix}.{lattice}.{provider_id}.{op}`, used
// for provider health/shutdown/link-delivery traffic.
func (c *Conn) ProviderSubject(providerID, op string) string {
	return fmt.Sprintf("%s.%s.%s.%s", c.prefix.RPC, c.prefix.Lattice, providerID, op)
}

// RPCSubject builds the component/provider RPC subject for a resolved
// link target, with the WIT interface embedded per the lattice transport
// convention; link-name travels as a header, not in the subject.
func (c *Conn) RPCSubject(targetID, witNamespace, witPackage string) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", c.prefix.RPC, c.prefix.Lattice, targetID, witNamespace, witPackage)
}
