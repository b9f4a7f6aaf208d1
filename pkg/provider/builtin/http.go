// Package builtin implements the two in-process capability providers
// named in spec §4.G: an HTTP server provider and a NATS messaging
// provider, both gated by hostconfig.Config.EnableBuiltins. Unlike
// externally-spawned providers, neither runs as a subprocess; both
// satisfy pkg/provider.Handle directly and forward every inbound
// request to a fixed target component through the same byte-argument
// Invoke signature pkg/supervisor.Supervisor exposes.
//
// Grounded on the teacher's pkg/health.ExecChecker-adjacent lifecycle
// shape (Start spawns a background listener, Stop tears it down,
// Healthy reports liveness) generalized from a process to a listener.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/cuemby/wasmcloud-host/pkg/bus"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/provider"
	"github.com/rs/zerolog"
)

// InvokeFunc dispatches one invocation to the component this builtin
// provider is wired to front; pkg/supervisor.Supervisor.Invoke
// satisfies it.
type InvokeFunc func(ctx context.Context, componentID, exportName string, args []byte) ([]byte, error)

// HTTPServer is the builtin wasi:http/incoming-handler provider: every
// request received on Addr is forwarded to TargetComponent's Export.
type HTTPServer struct {
	Addr            string
	TargetComponent string
	Export          string
	Invoke          InvokeFunc

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	logger   zerolog.Logger
}

// Start implements provider.Handle.
func (h *HTTPServer) Start(ctx context.Context, data provider.HostData) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger = log.WithComponent("builtin-httpserver")
	exportName := h.Export
	if exportName == "" {
		exportName = "handle"
	}

	ln, err := net.Listen("tcp", h.Addr)
	if err != nil {
		return fmt.Errorf("builtin httpserver: listen %s: %w", h.Addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := h.Invoke(r.Context(), h.TargetComponent, exportName, body)
		if err != nil {
			h.logger.Warn().Err(err).Str("target", h.TargetComponent).Msg("builtin httpserver invocation failed")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Write(reply)
	})
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Warn().Err(err).Msg("builtin httpserver stopped")
		}
	}()

	return nil
}

// Stop implements provider.Handle.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Healthy implements provider.Handle.
func (h *HTTPServer) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener != nil
}

// NATSMessaging is the builtin wasmcloud:messaging provider: every
// message received on Subject is forwarded to TargetComponent's
// Export, and a non-empty result is published back to the request's
// reply subject.
type NATSMessaging struct {
	Conn            *bus.Conn
	Subject         string
	TargetComponent string
	Export          string
	Invoke          InvokeFunc

	mu     sync.Mutex
	sub    subscription
	logger zerolog.Logger
}

// subscription narrows *nats.Subscription to the one method this
// package needs, so it doesn't have to import nats directly.
type subscription interface {
	Unsubscribe() error
}

// Start implements provider.Handle.
func (n *NATSMessaging) Start(ctx context.Context, data provider.HostData) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.logger = log.WithComponent("builtin-messaging")
	exportName := n.Export
	if exportName == "" {
		exportName = "handle"
	}

	sub, err := n.Conn.Subscribe(n.Subject, func(subject string, payload []byte, reply string) {
		result, err := n.Invoke(context.Background(), n.TargetComponent, exportName, payload)
		if err != nil {
			n.logger.Warn().Err(err).Str("target", n.TargetComponent).Msg("builtin messaging invocation failed")
			return
		}
		if reply != "" && len(result) > 0 {
			if err := n.Conn.Reply(reply, result); err != nil {
				n.logger.Warn().Err(err).Msg("builtin messaging failed to publish reply")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("builtin messaging: subscribe %s: %w", n.Subject, err)
	}
	n.sub = sub
	return nil
}

// Stop implements provider.Handle.
func (n *NATSMessaging) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return nil
	}
	return n.sub.Unsubscribe()
}

// Healthy implements provider.Handle.
func (n *NATSMessaging) Healthy(ctx context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sub != nil
}
