package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/pms"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, jsonOutput = "", false

	root := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const helloPlan = `
uuid: hello
starting_node_id: greet
nodes:
  - uuid: greet
    identifier: greet
    group: STEP
    step_type: NOOP
    step_parameters:
      outcomes:
        greeting: hello
    facilitators:
      - type: SYNC
`

func TestRunCommand(t *testing.T) {
	t.Setenv("PMS_LOG_LEVEL", "error")
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(helloPlan), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", path, "--json", "--setup", "accountId=acc")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	var report pms.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not a report: %v\n%s", err, out)
	}
	if report.PlanExecution.Status != engine.StatusSucceeded {
		t.Errorf("status = %s, want SUCCESS", report.PlanExecution.Status)
	}
	if got := report.PlanExecution.SetupAbstractions["accountId"]; got != "acc" {
		t.Errorf("accountId = %q, want acc", got)
	}
	if len(report.Outcomes) != 1 || string(report.Outcomes[0].Value) != `"hello"` {
		t.Errorf("outcomes = %+v, want greeting", report.Outcomes)
	}
}

func TestRunCommandTable(t *testing.T) {
	t.Setenv("PMS_LOG_LEVEL", "error")
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(helloPlan), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", path)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	for _, want := range []string{"(plan hello): SUCCESS", "NODE", "STATUS", "greet", "OUTCOME", "greeting"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing plan file", []string{"run", filepath.Join(t.TempDir(), "absent.yaml")}},
		{"no arguments", []string{"run"}},
		{"bad status filter", []string{"list", "--status", "DONE"}},
		{"migrate memory store", []string{"migrate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("command succeeded")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatal(err)
	}
	if got["version"] != "1.2.3" || got["commit"] != "abc123" {
		t.Errorf("version output = %v", got)
	}
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("PMS_LOG_LEVEL", "error")
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(helloPlan), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "validate", path, "--setup", "accountId=acc")
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Plan allowed") {
		t.Errorf("output = %q, want allowed", out)
	}

	deny := filepath.Join(dir, "no-noop.json")
	rego := `package pms.test.noop\n\nimport rego.v1\n\ndeny contains \"noop steps are not allowed\" if {\n\tsome node in input.plan.nodes\n\tnode.step_type == \"NOOP\"\n}\n`
	if err := os.WriteFile(deny, []byte(`{"name":"no-noop","severity":"error","rego":"`+rego+`"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "validate", path, "--policy", deny)
	if err == nil {
		t.Fatalf("validate accepted a denied plan:\n%s", out)
	}
	for _, want := range []string{"Plan denied", "no-noop", "account-scope"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
