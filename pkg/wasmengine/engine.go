// Package wasmengine wraps a wazero runtime: one per host, shared
// compilation cache, a dedicated epoch-ticking goroutine, and
// per-invocation deadline enforcement via context.
//
// Grounded on wippyai-wasm-runtime's Runtime/Module/Instance split and on
// tetratelabs/wazero's RuntimeConfig builder pattern (other_examples'
// vendored config.go). Epoch-based interruption is implemented in terms
// of wazero's context-cancellation-aware execution
// (RuntimeConfig.WithCloseOnContextDone): each invocation's context
// carries its own timeout so a stuck guest is unwound without stopping
// anyone else's call. A ticker goroutine advances a monotonic epoch
// counter that is exported through Epoch and metrics.EngineEpoch; the
// deadlines do not read it.
package wasmengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config configures the engine.
type Config struct {
	// EpochTickInterval is the period of the epoch-advancing goroutine.
	EpochTickInterval time.Duration
	// MaxExecutionTime bounds every invocation's wall-clock duration.
	MaxExecutionTime time.Duration
	// CacheDir, if set, persists the compilation cache across restarts.
	CacheDir string
}

// Engine owns the wazero runtime shared by every component on the host.
type Engine struct {
	runtime wazero.Runtime
	cfg     Config

	epoch  uint64
	stopCh chan struct{}
	wg     sync.WaitGroup

	importMu       sync.RWMutex
	importHandlers map[string]ImportHandler
	defaultImport  ImportHandler
	hostModules    map[string]bool

	invocationSeq uint64

	logger zerolog.Logger
}

// New builds an Engine, instantiates the WASI preview-1 host module, and
// starts the epoch ticker goroutine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasmengine: create compilation cache: %w", err)
		}
		rtConfig = rtConfig.WithCompilationCache(cache)
	} else {
		rtConfig = rtConfig.WithCompilationCache(wazero.NewCompilationCache())
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmengine: instantiate WASI preview1: %w", err)
	}

	e := &Engine{
		runtime: rt,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("wasmengine"),
	}

	e.wg.Add(1)
	go e.epochTicker()

	return e, nil
}

func (e *Engine) epochTicker() {
	defer e.wg.Done()

	interval := e.cfg.EpochTickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.epoch++
			metrics.EngineEpoch.Set(float64(e.epoch))
		case <-e.stopCh:
			return
		}
	}
}

// Epoch returns the current value of the ticking epoch
// counter, published on metrics.EngineEpoch on every tick.
func (e *Engine) Epoch() uint64 {
	return e.epoch
}

// Close stops the epoch ticker and tears down the runtime.
func (e *Engine) Close(ctx context.Context) error {
	close(e.stopCh)
	e.wg.Wait()
	return e.runtime.Close(ctx)
}

// Module wraps a compiled artifact ready for repeated instantiation.
type Module struct {
	compiled wazero.CompiledModule
	engine   *Engine
}

// Compile compiles wasm bytes into a reusable Module. Compilation is
// amortized by the engine's shared compilation cache.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, herr.Wrap(herr.Trap, "compile wasm module", err)
	}
	return &Module{compiled: compiled, engine: e}, nil
}

// Close releases the compiled module.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Invoke instantiates the module fresh, calls exportName with args, and
// tears the instance down, enforcing the engine's MaxExecutionTime (or
// the supplied deadline, if shorter) via a context timeout. A guest that
// runs past the deadline is reported as herr.ExecutionTimeout; any other
// guest fault is reported as herr.Trap.
func (m *Module) Invoke(ctx context.Context, moduleConfig wazero.ModuleConfig, exportName string, args ...uint64) ([]uint64, error) {
	deadline := m.engine.cfg.MaxExecutionTime
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	mod, err := m.engine.runtime.InstantiateModule(callCtx, m.compiled, moduleConfig)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, herr.New(herr.ExecutionTimeout, fmt.Sprintf("instantiation exceeded %s", deadline))
		}
		return nil, herr.Wrap(herr.Trap, "instantiate wasm module", err)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(exportName)
	if fn == nil {
		return nil, herr.New(herr.Trap, fmt.Sprintf("module has no exported function %q", exportName))
	}

	results, err := fn.Call(callCtx, args...)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, herr.New(herr.ExecutionTimeout, fmt.Sprintf("invocation of %q exceeded %s", exportName, deadline))
		}
		return nil, herr.Wrap(herr.Trap, fmt.Sprintf("invoke %q", exportName), err)
	}

	return results, nil
}

// InvokeBytes is the byte-argument call adapter used by
// pkg/host.moduleInvoker (spec §4.E/§4.F: components are invoked by
// export name with a byte payload, not a typed WIT call). It
// instantiates the module fresh, writes args into the guest's own
// linear memory via its exported cabi_realloc, calls exportName(ptr,
// len) expecting a single packed (ptr<<32|len) i64 result, and copies
// the result back out before tearing the instance down.
//
// sourceID is threaded into the instantiation context so that any
// polyfilled import the guest calls during this invocation can
// attribute itself to the calling component (see
// SourceComponentFromContext); wazero host module functions are
// registered once per import module name, shared across every
// component that imports them, so context is the only channel
// available to carry per-call identity through to the polyfill.
func (m *Module) InvokeBytes(ctx context.Context, sourceID, exportName string, args []byte) ([]byte, error) {
	deadline := m.engine.cfg.MaxExecutionTime
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	callCtx = withSourceComponent(callCtx, sourceID)

	if err := m.engine.ensureImportsInstantiated(callCtx, m.compiled); err != nil {
		return nil, err
	}

	instanceName := fmt.Sprintf("%s#%d", sourceID, atomic.AddUint64(&m.engine.invocationSeq, 1))
	mod, err := m.engine.runtime.InstantiateModule(callCtx, m.compiled, wazero.NewModuleConfig().WithName(instanceName))
	if err != nil {
		if callCtx.Err() != nil {
			return nil, herr.New(herr.ExecutionTimeout, fmt.Sprintf("instantiation exceeded %s", deadline))
		}
		return nil, herr.Wrap(herr.Trap, "instantiate wasm module", err)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(exportName)
	if fn == nil {
		return nil, herr.New(herr.Trap, fmt.Sprintf("module has no exported function %q", exportName))
	}

	argsPtr, err := allocAndWrite(callCtx, mod, args)
	if err != nil {
		return nil, herr.Wrap(herr.Trap, "write invocation arguments into guest memory", err)
	}

	results, err := fn.Call(callCtx, uint64(argsPtr), uint64(len(args)))
	if err != nil {
		if callCtx.Err() != nil {
			return nil, herr.New(herr.ExecutionTimeout, fmt.Sprintf("invocation of %q exceeded %s", exportName, deadline))
		}
		return nil, herr.Wrap(herr.Trap, fmt.Sprintf("invoke %q", exportName), err)
	}
	if len(results) != 1 {
		return nil, herr.New(herr.Trap, fmt.Sprintf("export %q must return a single packed (ptr<<32|len) i64 result", exportName))
	}

	packed := results[0]
	retPtr, retLen := uint32(packed>>32), uint32(packed)
	if retLen == 0 {
		return nil, nil
	}
	data, ok := mod.Memory().Read(retPtr, retLen)
	if !ok {
		return nil, herr.New(herr.Trap, fmt.Sprintf("export %q returned an out-of-bounds result range", exportName))
	}
	return append([]byte(nil), data...), nil
}
