// Package plugins runs WebAssembly modules as tasks. A module is a WASI
// command: it reads its input document from stdin, writes its result to
// stdout and exits. Modules may also import pms.log(ptr, len) to record a
// log line from their linear memory.
package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// TaskType is the task type WASM steps dispatch.
const TaskType = "WASM"

// HostConfig configures a Host.
type HostConfig struct {
	// ModuleDir resolves relative module paths. Absolute paths and paths
	// escaping the directory are rejected when it is set.
	ModuleDir string

	// MemoryLimitPages caps the linear memory of a module (64KiB pages).
	// Default is 256 pages (16MiB).
	MemoryLimitPages uint32
}

// Params are the parameters of a WASM task.
type Params struct {
	Module string            `json:"module"`
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`

	// Input is written to the module's stdin.
	Input json.RawMessage `json:"input,omitempty"`
}

// Result is the payload a finished WASM task reports.
type Result struct {
	ExitCode uint32   `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Logs     []string `json:"logs,omitempty"`
	Duration float64  `json:"duration_seconds"`
}

// Host compiles and runs modules on one wazero runtime. Compiled modules
// are cached by path.
type Host struct {
	cfg     HostConfig
	runtime wazero.Runtime
	logger  *telemetry.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

type logSinkKey struct{}

// logSink collects the pms.log calls of one instance.
type logSink struct {
	mu    sync.Mutex
	lines []string
}

// NewHost creates a runtime with WASI and the pms host module.
func NewHost(ctx context.Context, cfg HostConfig, logger *telemetry.Logger) (*Host, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	h := &Host{
		cfg:      cfg,
		logger:   logger.NewComponentLogger("plugins"),
		compiled: make(map[string]wazero.CompiledModule),
	}

	h.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	_, err := h.runtime.NewHostModuleBuilder("pms").
		NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	mem := mod.Memory()
	if mem == nil {
		return
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		h.logger.WithField("module", mod.Name()).Warn("log call outside module memory")
		return
	}
	line := string(data)
	if sink, ok := ctx.Value(logSinkKey{}).(*logSink); ok {
		sink.mu.Lock()
		sink.lines = append(sink.lines, line)
		sink.mu.Unlock()
	}
	h.logger.WithField("module", mod.Name()).Debug(line)
}

func (h *Host) resolve(module string) (string, error) {
	if module == "" {
		return "", engine.NewPermanentError("module is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if h.cfg.ModuleDir == "" {
		return filepath.Abs(module)
	}
	if filepath.IsAbs(module) {
		return "", engine.NewPermanentError(fmt.Sprintf("module %q must be relative to the module directory", module), nil).
			WithCode(engine.ErrCodeValidation)
	}
	path := filepath.Join(h.cfg.ModuleDir, module)
	rel, err := filepath.Rel(h.cfg.ModuleDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", engine.NewPermanentError(fmt.Sprintf("module %q escapes the module directory", module), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return path, nil
}

// Compile compiles the module at path once and caches it.
func (h *Host) Compile(ctx context.Context, module string) (wazero.CompiledModule, error) {
	path, err := h.resolve(module)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cm, ok := h.compiled[path]; ok {
		return cm, nil
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to read module %s", module), err).
			WithCode(engine.ErrCodeNotFound)
	}
	cm, err := h.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to compile module %s", module), err).
			WithCode(engine.ErrCodeValidation)
	}
	h.compiled[path] = cm
	h.logger.WithField("module", module).Debug("module compiled")
	return cm, nil
}

// Run instantiates the module and runs its _start function to completion.
// A non-zero exit code is reported in the result, not as an error.
func (h *Host) Run(ctx context.Context, p Params) (*Result, error) {
	cm, err := h.Compile(ctx, p.Module)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	sink := &logSink{}
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(p.Input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(append([]string{filepath.Base(p.Module)}, p.Args...)...)
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mc = mc.WithEnv(k, p.Env[k])
	}

	start := time.Now()
	mod, err := h.runtime.InstantiateModule(context.WithValue(ctx, logSinkKey{}, sink), cm, mc)
	if mod != nil {
		defer mod.Close(ctx)
	}
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Logs:     sink.lines,
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("module %s trapped: %w", p.Module, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// HandleTask implements executor.TaskHandler. A non-zero exit code fails
// the task.
func (h *Host) HandleTask(ctx context.Context, task *executor.Task) (json.RawMessage, error) {
	var p Params
	if err := sdk.ParseParams(task.Request.Parameters, &p); err != nil {
		return nil, err
	}
	res, err := h.Run(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("module %s exited with code %d: %s", p.Module, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode module result: %w", err)
	}
	return data, nil
}

// Close releases the runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
