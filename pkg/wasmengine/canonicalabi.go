// Byte-level calling convention used for both directions of every call
// that crosses the host/guest boundary: host-to-guest export calls
// (Module.InvokeBytes) and guest-to-host polyfilled import calls
// (Engine's host-module registry below). Neither direction decodes a
// WIT signature; every call is (argsPtr, argsLen) -> packed (retPtr<<32
// | retLen) i64, with the guest's own exported cabi_realloc used as the
// allocator for writing a result back into guest memory. cabi_realloc is
// the real component-model canonical ABI allocator export name
// (grounded on wippyai-wasm-runtime's doc.go discussion of the
// canonical ABI and transcoding), reused here as the host-defined
// convention since no WIT/canonical-ABI transcoder is modeled.
package wasmengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// CanonicalReallocFunc is the guest export used to allocate space for a
// result written back into guest linear memory.
const CanonicalReallocFunc = "cabi_realloc"

// ImportHandler answers one polyfilled guest import call. sourceID is
// the calling component's id, threaded through context by
// Module.InvokeBytes since host module functions are registered once
// per (namespace, package) and shared across every component that
// imports them.
type ImportHandler func(ctx context.Context, sourceID, namespace, pkg, funcName string, args []byte) ([]byte, error)

type sourceComponentKey struct{}

func withSourceComponent(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceComponentKey{}, id)
}

// SourceComponentFromContext returns the id of the component whose call
// is driving the currently-executing polyfilled import, if any.
func SourceComponentFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sourceComponentKey{}).(string)
	return id, ok
}

// RegisterImport installs a Native handler for every import carrying
// the given (wit_namespace, wit_package), per spec §9's "dynamic
// interface satisfaction" registry.
func (e *Engine) RegisterImport(namespace, pkg string, handler ImportHandler) {
	e.importMu.Lock()
	defer e.importMu.Unlock()
	if e.importHandlers == nil {
		e.importHandlers = make(map[string]ImportHandler)
	}
	e.importHandlers[namespace+":"+pkg] = handler
}

// SetDefaultImport installs the Polyfill fallback used for any import
// with no Native handler registered.
func (e *Engine) SetDefaultImport(handler ImportHandler) {
	e.importMu.Lock()
	defer e.importMu.Unlock()
	e.defaultImport = handler
}

func (e *Engine) resolveImportHandler(namespace, pkg string) ImportHandler {
	e.importMu.RLock()
	defer e.importMu.RUnlock()
	if h, ok := e.importHandlers[namespace+":"+pkg]; ok {
		return h
	}
	return e.defaultImport
}

// parseImportModule splits a wazero import module name of the form
// "namespace:package/interface@version" into its parts. Interface and
// version are informational only; routing keys off namespace+package.
func parseImportModule(name string) (namespace, pkg, iface string) {
	ns, rest, ok := strings.Cut(name, ":")
	if !ok {
		return "", name, ""
	}
	pkgIface, _, _ := strings.Cut(rest, "@")
	pkgName, ifaceName, ok := strings.Cut(pkgIface, "/")
	if !ok {
		return ns, pkgIface, ""
	}
	return ns, pkgName, ifaceName
}

// ensureImportsInstantiated discovers every host module a compiled
// component imports (other than WASI preview1, already instantiated in
// New) and, the first time any component needs it, builds a generic
// polyfill host module for it: every import function is exported with
// the uniform (i32,i32)->i64 signature and routed through
// resolveImportHandler. Subsequent components sharing the same
// (namespace, package) import reuse the already-instantiated module.
func (e *Engine) ensureImportsInstantiated(ctx context.Context, compiled wazero.CompiledModule) error {
	byModule := map[string][]api.FunctionDefinition{}
	for _, fn := range compiled.ImportedFunctions() {
		modName, _, isImport := fn.Import()
		if !isImport || modName == wasi_snapshot_preview1.ModuleName {
			continue
		}
		byModule[modName] = append(byModule[modName], fn)
	}

	for modName, fns := range byModule {
		e.importMu.Lock()
		if e.hostModules == nil {
			e.hostModules = make(map[string]bool)
		}
		if e.hostModules[modName] {
			e.importMu.Unlock()
			continue
		}
		e.hostModules[modName] = true
		e.importMu.Unlock()

		namespace, pkg, _ := parseImportModule(modName)
		builder := e.runtime.NewHostModuleBuilder(modName)
		for _, fn := range fns {
			_, funcName, _ := fn.Import()
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(e.polyfillFunc(namespace, pkg, funcName),
					[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
					[]api.ValueType{api.ValueTypeI64}).
				Export(funcName)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return herr.Wrap(herr.Trap, fmt.Sprintf("instantiate polyfill host module %q", modName), err)
		}
	}
	return nil
}

// polyfillFunc builds the Go-side implementation of one polyfilled
// import. It reads the argument bytes out of the calling guest's
// memory, dispatches to the Native or Polyfill handler registered for
// (namespace, pkg), and, on success, writes the result back into the
// same guest's memory using its own cabi_realloc export.
func (e *Engine) polyfillFunc(namespace, pkg, funcName string) api.GoModuleFunc {
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		argsPtr := uint32(stack[0])
		argsLen := uint32(stack[1])

		raw, ok := mod.Memory().Read(argsPtr, argsLen)
		if !ok {
			panic(fmt.Sprintf("wasmengine: invalid argument memory range for %s:%s/%s", namespace, pkg, funcName))
		}
		args := append([]byte(nil), raw...)

		sourceID, _ := SourceComponentFromContext(ctx)

		handler := e.resolveImportHandler(namespace, pkg)
		if handler == nil {
			panic(fmt.Sprintf("wasmengine: no handler registered for import %s:%s and no default polyfill installed", namespace, pkg))
		}

		result, err := handler(ctx, sourceID, namespace, pkg, funcName, args)
		if err != nil {
			panic(fmt.Sprintf("wasmengine: polyfilled import %s:%s/%s failed: %v", namespace, pkg, funcName, err))
		}

		if len(result) == 0 {
			stack[0] = 0
			return
		}

		retPtr, err := allocAndWrite(ctx, mod, result)
		if err != nil {
			panic(fmt.Sprintf("wasmengine: writing result of polyfilled import %s:%s/%s into guest memory: %v", namespace, pkg, funcName, err))
		}
		stack[0] = uint64(retPtr)<<32 | uint64(len(result))
	})
}

// allocAndWrite allocates len(data) bytes in mod's own linear memory via
// its exported cabi_realloc and copies data into it, returning the
// guest pointer.
func allocAndWrite(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	realloc := mod.ExportedFunction(CanonicalReallocFunc)
	if realloc == nil {
		return 0, fmt.Errorf("guest has no exported %q to receive call results", CanonicalReallocFunc)
	}
	results, err := realloc.Call(ctx, 0, 0, 1, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", CanonicalReallocFunc, err)
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write %d bytes at guest offset %d: out of bounds", len(data), ptr)
	}
	return ptr, nil
}
