package wasmengine

import (
	"context"
	"fmt"
	"os"
)

// LoadPreview1Adapter reads a preview1-to-preview2 adapter component from
// disk and compiles it, for guests that only speak WASI preview-1 inside
// a component-model binary. The caller supplies the adapter path; the
// adapter is not embedded in this module, hostconfig has no field for
// it, and pkg/host does not call this function.
func (e *Engine) LoadPreview1Adapter(ctx context.Context, path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmengine: read preview1 adapter %q: %w", path, err)
	}
	return e.Compile(ctx, data)
}
