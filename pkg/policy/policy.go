// Package policy implements the Policy Gate (spec §4.C): a request/reply
// round trip to an externally configured policy service over the bus,
// with allow-all behavior when unconfigured and decision caching.
package policy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/rs/zerolog"
)

// Action identifies a gated operation kind.
type Action string

const (
	ActionStartProvider    Action = "start_provider"
	ActionStartComponent   Action = "start_component"
	ActionScaleComponent   Action = "scale_component"
	ActionUpdateComponent  Action = "update_component"
	ActionInvoke           Action = "invoke"
)

// Decision is the Policy Gate's response shape.
type Decision struct {
	Allow      bool       `json:"allow"`
	Reason     string     `json:"reason,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Requester performs the request/reply round trip. pkg/bus.Conn
// satisfies this through its Request method.
type Requester interface {
	Request(subject string, data []byte, timeout time.Duration) ([]byte, error)
}

type request struct {
	Action   Action `json:"action"`
	Subject  string `json:"subject"`
	Resource string `json:"resource"`
}

type cacheKey struct {
	action   Action
	subject  string
	resource string
}

// Gate evaluates policy decisions, consulting an external service over
// the bus when one is configured.
type Gate struct {
	requester Requester
	subject   string // empty means no backend configured: always allow
	timeout   time.Duration

	mu    sync.Mutex
	cache map[cacheKey]Decision

	logger zerolog.Logger
}

// New builds a Gate. An empty policyTopic means policy checks always
// allow (spec §4.C's unconfigured behavior).
func New(requester Requester, policyTopic string, timeout time.Duration) *Gate {
	return &Gate{
		requester: requester,
		subject:   policyTopic,
		timeout:   timeout,
		cache:     make(map[cacheKey]Decision),
		logger:    log.WithComponent("policy"),
	}
}

// Check evaluates whether action by subject against resource is allowed.
func (g *Gate) Check(action Action, subject, resource string) (Decision, error) {
	if g.subject == "" {
		return Decision{Allow: true}, nil
	}

	key := cacheKey{action: action, subject: subject, resource: resource}
	if d, ok := g.cachedDecision(key); ok {
		return d, nil
	}

	req := request{Action: action, Subject: subject, Resource: resource}
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: marshal request: %w", err)
	}

	reply, err := g.requester.Request(g.subject, payload, g.timeout)
	if err != nil {
		g.logger.Warn().Str("action", string(action)).Str("subject", subject).Msg("policy check timed out")
		return Decision{Allow: false, Reason: string(herr.PolicyTimeout)},
			herr.New(herr.PolicyTimeout, "policy gate did not reply before timeout")
	}

	var decision Decision
	if err := json.Unmarshal(reply, &decision); err != nil {
		return Decision{}, fmt.Errorf("policy: unmarshal reply: %w", err)
	}

	if decision.Allow && decision.ValidUntil != nil {
		g.mu.Lock()
		g.cache[key] = decision
		g.mu.Unlock()
	}

	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = string(herr.PolicyDenied)
		}
		return decision, herr.New(herr.PolicyDenied, reason)
	}

	return decision, nil
}

func (g *Gate) cachedDecision(key cacheKey) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.cache[key]
	if !ok {
		return Decision{}, false
	}
	if d.ValidUntil != nil && time.Now().After(*d.ValidUntil) {
		delete(g.cache, key)
		return Decision{}, false
	}
	return d, true
}
