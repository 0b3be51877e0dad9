package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/sdk"
)

// ShellTaskType is the task type handled by ShellTask.
const ShellTaskType = "SHELL"

// ShellParams are the parameters of a SHELL task.
type ShellParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ShellResult is the response of a SHELL task.
type ShellResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// ShellTask runs a command on the local host. A command without args runs
// through the shell. A non-zero exit code fails the task.
type ShellTask struct{}

// HandleTask implements TaskHandler.
func (ShellTask) HandleTask(ctx context.Context, task *Task) (json.RawMessage, error) {
	var params ShellParams
	if err := sdk.ParseParams(task.Request.Parameters, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, engine.NewPermanentError("command is required", nil).WithCode(engine.ErrCodeValidation)
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	if len(params.Env) > 0 {
		keys := make([]string, 0, len(params.Env))
		for k := range params.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+params.Env[k])
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := ShellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Seconds(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.ExitCode = exitErr.ExitCode()
		return nil, fmt.Errorf("command exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shell result: %w", err)
	}
	return data, nil
}
