package group

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/mod/semver"
)

// hostAPIVersion is the classifier ABI version this build supports.
// A plugin whose manifest major version differs is rejected at load
// time rather than silently mis-classifying commits.
const hostAPIVersion = "v1.0.0"

// pluginManifest is the sidecar TOML file a classifier plugin ships
// alongside its compiled module: "tagger.wasm" pairs with
// "tagger.wasm.toml", declaring the classifier ABI version it targets.
type pluginManifest struct {
	APIVersion string `toml:"api_version"`
}

// LoadWasmClassifierFromManifest reads path's sidecar manifest for its
// declared api_version and loads the module through LoadWasmClassifier.
// This is the entry point buildOrchestrator uses for every path in
// Config.ClassifierPlugins.
func LoadWasmClassifierFromManifest(ctx context.Context, path string) (*WasmClassifier, error) {
	manifestPath := path + ".toml"
	var m pluginManifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		return nil, fmt.Errorf("reading classifier plugin manifest %s: %w", manifestPath, err)
	}
	return LoadWasmClassifier(ctx, path, m.APIVersion)
}

// WasmClassifier hosts a single WebAssembly module exporting a
// "classify" function: it takes a pointer+length into the module's
// own linear memory (written by the host before the call) and
// returns a packed pointer+length of its own allocation holding the
// resulting tag, or 0 for "no opinion". This mirrors the minimal
// guest/host memory-passing convention used by small wazero plugin
// hosts: no WASI, no imports beyond memory.
type WasmClassifier struct {
	runtime  wazero.Runtime
	module   api.Module
	classify api.Function
	alloc    api.Function
}

// LoadWasmClassifier compiles and instantiates a WASM module from
// path. apiVersion is the plugin manifest's declared classifier ABI
// version (semver); it must share a major version with hostAPIVersion.
func LoadWasmClassifier(ctx context.Context, path string, apiVersion string) (*WasmClassifier, error) {
	if semver.Major(apiVersion) != semver.Major(hostAPIVersion) {
		return nil, fmt.Errorf("classifier plugin %s declares api_version %s, host supports %s", path, apiVersion, hostAPIVersion)
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading classifier plugin %s: %w", path, err)
	}

	rt := wazero.NewRuntime(ctx)
	mod, err := rt.Instantiate(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating classifier plugin %s: %w", path, err)
	}

	classify := mod.ExportedFunction("classify")
	alloc := mod.ExportedFunction("alloc")
	if classify == nil || alloc == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("classifier plugin %s missing required exports classify/alloc", path)
	}

	return &WasmClassifier{runtime: rt, module: mod, classify: classify, alloc: alloc}, nil
}

func (w *WasmClassifier) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// Classify writes subject into the guest's memory, invokes classify,
// and reads back the resulting tag. Any guest-side failure degrades
// to "no opinion" rather than aborting grouping for the whole sync.
func (w *WasmClassifier) Classify(subject string) (string, bool) {
	ctx := context.Background()
	mem := w.module.Memory()

	in := []byte(subject)
	allocRes, err := w.alloc.Call(ctx, uint64(len(in)))
	if err != nil || len(allocRes) == 0 {
		return "", false
	}
	ptr := uint32(allocRes[0])
	if !mem.Write(ptr, in) {
		return "", false
	}

	res, err := w.classify.Call(ctx, uint64(ptr), uint64(len(in)))
	if err != nil || len(res) == 0 {
		return "", false
	}
	packed := res[0]
	outPtr, outLen := uint32(packed>>32), uint32(packed)
	if outLen == 0 {
		return "", false
	}
	out, ok := mem.Read(outPtr, outLen)
	if !ok {
		return "", false
	}
	return string(out), true
}
