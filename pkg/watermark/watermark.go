// Package watermark stamps content with its owner identity at protect time,
// before it is encrypted, so every released copy already carries the mark.
//
// Only image and video content is watermarked; every other kind is returned
// unchanged. The stamping itself is delegated to a WASI module so that the
// rendering code can be replaced without rebuilding the service.
package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/foxiles/pkg/container"
)

// Filter transforms plaintext before it is sealed.
type Filter interface {
	Apply(ctx context.Context, contentKind, ownerIdentity string, buf []byte) ([]byte, error)
}

// Applies reports whether kind is watermarked at all.
func Applies(kind string) bool {
	return kind == container.KindImage || kind == container.KindVideo
}

// Passthrough returns content unchanged.
type Passthrough struct{}

func (Passthrough) Apply(_ context.Context, _, _ string, buf []byte) ([]byte, error) {
	return buf, nil
}

// Config limits a WASM filter run.
type Config struct {
	MemoryLimitBytes uint64
	TimeLimit        time.Duration
}

// WASMFilter runs a WASI module with the content on stdin, the owner identity
// as its only argument and the watermarked content on stdout. The module gets
// no filesystem, network, environment, clock or randomness.
type WASMFilter struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      Config
}

var ErrEmptyOutput = errors.New("watermark: filter produced no output")

// NewWASMFilter compiles wasm once for reuse across calls.
func NewWASMFilter(ctx context.Context, wasm []byte, cfg Config) (*WASMFilter, error) {
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 10 * time.Second
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("watermark: compile module: %w", err)
	}
	return &WASMFilter{runtime: r, compiled: compiled, cfg: cfg}, nil
}

// LoadWASMFilter reads a module from path.
func LoadWASMFilter(ctx context.Context, path string, cfg Config) (*WASMFilter, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("watermark: read module: %w", err)
	}
	return NewWASMFilter(ctx, wasm, cfg)
}

func (f *WASMFilter) Apply(ctx context.Context, contentKind, ownerIdentity string, buf []byte) ([]byte, error) {
	if !Applies(contentKind) {
		return buf, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.TimeLimit)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs("watermark", ownerIdentity).
		WithStdin(bytes.NewReader(buf)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := f.runtime.InstantiateModule(ctx, f.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("watermark: filter exceeded %v", f.cfg.TimeLimit)
		}
		return nil, fmt.Errorf("watermark: run filter: %w (stderr: %q)", err, stderr.String())
	}
	if stdout.Len() == 0 && len(buf) > 0 {
		return nil, ErrEmptyOutput
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime.
func (f *WASMFilter) Close(ctx context.Context) error {
	return f.runtime.Close(ctx)
}
