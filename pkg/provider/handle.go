package provider

import "context"

// Handle is the lifecycle contract of the in-process builtin providers
// (pkg/provider/builtin, spec §4.G). The subprocess path in provider.go
// (Supervisor, entry, spawn) predates this interface and is not
// re-expressed in terms of it — see DESIGN.md — so builtins are its only
// implementations.
type Handle interface {
	Start(ctx context.Context, data HostData) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) bool
}
