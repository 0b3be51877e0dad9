package pms

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/pms/pkg/advisers"
	"github.com/openfroyo/pms/pkg/config"
	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/identity"
	"github.com/openfroyo/pms/pkg/orchestrator"
	"github.com/openfroyo/pms/pkg/telemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.BaseRetryDelay = 10 * time.Millisecond
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Engine.TaskTimeout = 30 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, cfg, WithTelemetry(telemetry.NewNopTelemetry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return e
}

func drainCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func planNode(id, group, stepType string, mode engine.ExecutionMode, params string, advs ...engine.AdviserObtainment) *engine.PlanNode {
	n := &engine.PlanNode{
		UUID:         id,
		Identifier:   id,
		Kind:         engine.NodeKindPlan,
		Group:        group,
		StepType:     stepType,
		Facilitators: []engine.FacilitatorObtainment{{Type: string(mode)}},
		Advisers:     advs,
	}
	if params != "" {
		n.StepParameters = json.RawMessage(params)
	}
	return n
}

func adviser(t string, params string) engine.AdviserObtainment {
	a := engine.AdviserObtainment{Type: t}
	if params != "" {
		a.Parameters = json.RawMessage(params)
	}
	return a
}

// pipeline runs stage build (compile) and then stage release (ship).
func pipeline(compile, ship *engine.PlanNode) *engine.Plan {
	return &engine.Plan{
		UUID:           "release-pipeline",
		StartingNodeID: "pipeline",
		Nodes: []*engine.PlanNode{
			planNode("pipeline", engine.GroupPipeline, "FANOUT", engine.ModeChildren, `{"children":["build"]}`),
			planNode("build", engine.GroupStage, "FANOUT", engine.ModeChildren, `{"children":["compile"]}`,
				adviser(advisers.TypeNextStep, `{"next_node_id":"release"}`)),
			planNode("release", engine.GroupStage, "FANOUT", engine.ModeChildren, `{"children":["ship"]}`),
			compile,
			ship,
		},
	}
}

func statusesByNode(r *Report) map[string][]engine.Status {
	out := map[string][]engine.Status{}
	for _, ne := range r.Nodes {
		out[ne.NodeID] = append(out[ne.NodeID], ne.Status)
	}
	return out
}

func TestRunPipeline(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	plan := pipeline(
		planNode("compile", engine.GroupStep, "NOOP", engine.ModeSync, `{"outcomes":{"artifact":{"path":"/out/app"}}}`),
		planNode("ship", engine.GroupStep, "NOOP", engine.ModeSync, ``),
	)
	pe, err := e.Run(ctx, plan, map[string]string{engine.SetupAccountID: "acc"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pe.Status != engine.StatusSucceeded {
		t.Fatalf("plan status = %s, want SUCCESS", pe.Status)
	}

	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	want := map[string][]engine.Status{
		"pipeline": {engine.StatusSucceeded},
		"build":    {engine.StatusSucceeded},
		"compile":  {engine.StatusSucceeded},
		"release":  {engine.StatusSucceeded},
		"ship":     {engine.StatusSucceeded},
	}
	if diff := cmp.Diff(want, statusesByNode(report)); diff != "" {
		t.Errorf("node statuses mismatch (-want +got):\n%s", diff)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Name != "artifact" {
		t.Errorf("outcomes = %+v, want the artifact outcome", report.Outcomes)
	}

	list, err := e.ListPlanExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("ListPlanExecutions() error = %v", err)
	}
	if len(list) != 1 || list[0].UUID != pe.UUID {
		t.Errorf("ListPlanExecutions() = %v, want [%s]", list, pe.UUID)
	}
}

type explodingChild struct{}

func (explodingChild) ObtainChild(context.Context, *engine.StepContext) (*engine.ChildResponse, error) {
	return nil, errors.New("boom")
}

func (explodingChild) HandleChildResponse(context.Context, *engine.StepContext, map[string]engine.ResponseData) (*engine.StepResponse, error) {
	return nil, errors.New("unreachable")
}

type recordingAdviser struct {
	mu     sync.Mutex
	events []engine.AdvisingEvent
}

func (a *recordingAdviser) CanAdvise(context.Context, *engine.AdvisingEvent) bool { return true }

func (a *recordingAdviser) OnAdviseEvent(_ context.Context, ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *ev)
	return nil, nil
}

// A CHILD node whose step throws during start fails, and its adviser sees
// the RUNNING to FAILED transition.
func TestChildStepThrowingOnStartFails(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	rec := &recordingAdviser{}
	e.Registry().RegisterStep("EXPLODE", explodingChild{})
	e.Registry().RegisterAdviser("RECORD", rec)

	plan := &engine.Plan{
		UUID:           "explode",
		StartingNodeID: "parent",
		Nodes: []*engine.PlanNode{
			planNode("parent", engine.GroupStep, "EXPLODE", engine.ModeChild, ``, adviser("RECORD", ``)),
		},
	}
	pe, err := e.Run(ctx, plan, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pe.Status != engine.StatusFailed {
		t.Errorf("plan status = %s, want FAILED", pe.Status)
	}

	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Nodes) != 1 || report.Nodes[0].Status != engine.StatusFailed {
		t.Fatalf("nodes = %+v, want one FAILED node", report.Nodes)
	}
	if report.Nodes[0].FailureInfo == nil {
		t.Error("failed node has no failure info")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 {
		t.Fatalf("adviser called %d times, want 1", len(rec.events))
	}
	if got := rec.events[0]; got.FromStatus != engine.StatusRunning || got.ToStatus != engine.StatusFailed {
		t.Errorf("advising event %s -> %s, want RUNNING -> FAILED", got.FromStatus, got.ToStatus)
	}
}

func TestShellTaskPlan(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	plan := &engine.Plan{
		UUID:           "shell",
		StartingNodeID: "hello",
		Nodes: []*engine.PlanNode{
			planNode("hello", engine.GroupStep, "SHELL", engine.ModeTask, `{"command":"echo hello"}`),
		},
	}
	pe, err := e.Run(ctx, plan, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pe.Status != engine.StatusSucceeded {
		t.Fatalf("plan status = %s, want SUCCESS", pe.Status)
	}
	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want the task result", report.Outcomes)
	}
	var res struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	if err := json.Unmarshal(report.Outcomes[0].Value, &res); err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Errorf("result = %+v, want exit 0 and hello", res)
	}
}

// flakyStep fails while its identifier is marked failing and counts runs.
type flakyStep struct {
	mu   sync.Mutex
	runs map[string]int
	fail map[string]bool
}

func (s *flakyStep) ExecuteSync(_ context.Context, sc *engine.StepContext) (*engine.StepResponse, error) {
	id := sc.Ambiance.CurrentIdentifier()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id]++
	if s.fail[id] {
		return &engine.StepResponse{
			Status:      engine.StatusFailed,
			FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "FLAKY", id+" failed"),
		}, nil
	}
	return &engine.StepResponse{
		Status:       engine.StatusSucceeded,
		StepOutcomes: []engine.StepOutcome{{Name: "out_" + id, Outcome: json.RawMessage(`"` + id + `"`)}},
	}, nil
}

func (s *flakyStep) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// A retry replays the succeeded stage through identity nodes and runs the
// failed stage again.
func TestRetryReplaysSucceededStages(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	flaky := &flakyStep{runs: map[string]int{}, fail: map[string]bool{"ship": true}}
	e.Registry().RegisterStep("FLAKY", flaky)

	plan := pipeline(
		planNode("compile", engine.GroupStep, "FLAKY", engine.ModeSync, ``),
		planNode("ship", engine.GroupStep, "FLAKY", engine.ModeSync, ``),
	)
	first, err := e.Run(ctx, plan, map[string]string{engine.SetupAccountID: "acc"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.Status != engine.StatusFailed {
		t.Fatalf("first status = %s, want FAILED", first.Status)
	}

	flaky.mu.Lock()
	flaky.fail["ship"] = false
	flaky.mu.Unlock()

	retry, err := e.Retry(ctx, first.UUID, identity.RetryOptions{})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	report, err := e.Inspect(ctx, retry.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if report.PlanExecution.Status != engine.StatusSucceeded {
		t.Fatalf("retry status = %s, want SUCCESS", report.PlanExecution.Status)
	}
	if report.PlanExecution.RetryOf != first.UUID {
		t.Errorf("RetryOf = %q, want %q", report.PlanExecution.RetryOf, first.UUID)
	}
	if report.PlanExecution.SetupAbstractions[engine.SetupAccountID] != "acc" {
		t.Errorf("setup not carried over: %v", report.PlanExecution.SetupAbstractions)
	}
	if got := flaky.count("compile"); got != 1 {
		t.Errorf("compile ran %d times, want 1", got)
	}
	if got := flaky.count("ship"); got != 2 {
		t.Errorf("ship ran %d times, want 2", got)
	}

	var names []string
	for _, o := range report.Outcomes {
		names = append(names, o.Name)
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"out_compile", "out_ship"}, names); diff != "" {
		t.Errorf("retry outcomes mismatch (-want +got):\n%s", diff)
	}
}

// attemptStep publishes a stage scoped outcome on every attempt and fails
// the first one.
type attemptStep struct{}

func (attemptStep) ExecuteSync(_ context.Context, sc *engine.StepContext) (*engine.StepResponse, error) {
	if sc.Ambiance.CurrentLevel().RetryIndex == 0 {
		return &engine.StepResponse{
			Status:       engine.StatusFailed,
			FailureInfo:  engine.NewFailureInfo(engine.FailureApplication, "FIRST_ATTEMPT", "first attempt fails"),
			StepOutcomes: []engine.StepOutcome{{Name: "v", Group: engine.GroupStage, Outcome: json.RawMessage(`"from-failed-attempt"`)}},
		}, nil
	}
	return &engine.StepResponse{
		Status:       engine.StatusSucceeded,
		StepOutcomes: []engine.StepOutcome{{Name: "v", Group: engine.GroupStage, Outcome: json.RawMessage(`"from-successful-retry"`)}},
	}, nil
}

func TestRetriedStepReplacesStageOutcome(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)
	e.Registry().RegisterStep("ATTEMPTS", attemptStep{})

	plan := pipeline(
		planNode("compile", engine.GroupStep, "ATTEMPTS", engine.ModeSync, ``,
			adviser(advisers.TypeRetry, `{"retry_count":1}`)),
		planNode("ship", engine.GroupStep, "NOOP", engine.ModeSync, ``),
	)
	pe, err := e.Run(ctx, plan, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pe.Status != engine.StatusSucceeded {
		t.Fatalf("plan status = %s, want SUCCESS", pe.Status)
	}

	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	var values []string
	for _, o := range report.Outcomes {
		if o.Name == "v" {
			values = append(values, string(o.Value))
		}
	}
	if diff := cmp.Diff([]string{`"from-successful-retry"`}, values); diff != "" {
		t.Errorf("stage outcome mismatch (-want +got):\n%s", diff)
	}
}

type panicFacilitator struct{}

func (panicFacilitator) Facilitate(context.Context, *engine.Ambiance, json.RawMessage, json.RawMessage, *engine.StepInputPackage) (*engine.FacilitatorResponse, error) {
	panic("facilitator exploded")
}

type panicAdviser struct{}

func (panicAdviser) CanAdvise(context.Context, *engine.AdvisingEvent) bool { return true }

func (panicAdviser) OnAdviseEvent(context.Context, *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	panic("adviser exploded")
}

// Panics in facilitators and advisers end the node instead of leaving the
// plan running.
func TestPanicsEndThePlan(t *testing.T) {
	tests := []struct {
		name       string
		node       *engine.PlanNode
		wantNode   engine.Status
		wantFailed bool
	}{
		{
			name: "facilitator",
			node: func() *engine.PlanNode {
				n := planNode("work", engine.GroupStep, "NOOP", engine.ModeSync, ``)
				n.Facilitators = []engine.FacilitatorObtainment{{Type: "PANIC"}}
				return n
			}(),
			wantNode:   engine.StatusFacilitationFailed,
			wantFailed: true,
		},
		{
			name:     "adviser",
			node:     planNode("work", engine.GroupStep, "NOOP", engine.ModeSync, ``, adviser("PANIC", ``)),
			wantNode: engine.StatusSucceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, testConfig())
			ctx := drainCtx(t)
			e.Registry().RegisterFacilitator("PANIC", panicFacilitator{})
			e.Registry().RegisterAdviser("PANIC", panicAdviser{})

			plan := &engine.Plan{UUID: "panics", StartingNodeID: "work", Nodes: []*engine.PlanNode{tt.node}}
			pe, err := e.Run(ctx, plan, nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !pe.Status.IsTerminal() || pe.Status.IsFailure() != tt.wantFailed {
				t.Errorf("plan status = %s, want terminal with failure %v", pe.Status, tt.wantFailed)
			}

			report, err := e.Inspect(ctx, pe.UUID)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(map[string][]engine.Status{"work": {tt.wantNode}}, statusesByNode(report)); diff != "" {
				t.Errorf("node statuses mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func interventionPlan() *engine.Plan {
	return &engine.Plan{
		UUID:           "gate",
		StartingNodeID: "check",
		Nodes: []*engine.PlanNode{
			planNode("check", engine.GroupStep, "NOOP", engine.ModeSync, `{"status":"FAILED"}`,
				adviser(advisers.TypeManualIntervention, ``)),
		},
	}
}

func waitingNode(t *testing.T, e *Engine, ctx context.Context, peID string) *engine.NodeExecution {
	t.Helper()
	report, err := e.Inspect(ctx, peID)
	if err != nil {
		t.Fatal(err)
	}
	if report.PlanExecution.Status.IsTerminal() {
		t.Fatalf("plan ended as %s while waiting for intervention", report.PlanExecution.Status)
	}
	if len(report.Nodes) != 1 {
		t.Fatalf("nodes = %+v, want one", report.Nodes)
	}
	return report.Nodes[0]
}

func TestResolveIntervention(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	pe, err := e.Run(ctx, interventionPlan(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ne := waitingNode(t, e, ctx, pe.UUID)

	if err := e.ResolveIntervention(ctx, ne.UUID, orchestrator.InterventionDecision{Type: engine.AdviseMarkSuccess}); err != nil {
		t.Fatalf("ResolveIntervention() error = %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if report.PlanExecution.Status != engine.StatusSucceeded {
		t.Errorf("plan status = %s, want SUCCESS", report.PlanExecution.Status)
	}
}

func TestAbort(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := drainCtx(t)

	pe, err := e.Run(ctx, interventionPlan(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	waitingNode(t, e, ctx, pe.UUID)

	if err := e.Abort(ctx, pe.UUID); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if report.PlanExecution.Status != engine.StatusAborted {
		t.Errorf("plan status = %s, want ABORTED", report.PlanExecution.Status)
	}
	if _, aborted := report.PlanExecution.IsAborted(); !aborted {
		t.Error("plan execution carries no abort interrupt")
	}
}

func TestRunOnSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "pms.db")
	cfg.Queue.Driver = "sql"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	e := newEngine(t, cfg)
	ctx := drainCtx(t)

	plan := pipeline(
		planNode("compile", engine.GroupStep, "NOOP", engine.ModeSync, `{"outcomes":{"artifact":"app.tar"}}`),
		planNode("ship", engine.GroupStep, "NOOP", engine.ModeSync, ``),
	)
	pe, err := e.Run(ctx, plan, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pe.Status != engine.StatusSucceeded {
		t.Fatalf("plan status = %s, want SUCCESS", pe.Status)
	}
	report, err := e.Inspect(ctx, pe.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Nodes) != 5 {
		t.Errorf("%d node executions, want 5", len(report.Nodes))
	}
}

func TestServeProcessesPlans(t *testing.T) {
	e := newEngine(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	plan := &engine.Plan{
		UUID:           "served",
		StartingNodeID: "only",
		Nodes:          []*engine.PlanNode{planNode("only", engine.GroupStep, "NOOP", engine.ModeSync, ``)},
	}
	pe, err := e.StartPlan(ctx, plan, nil)
	if err != nil {
		t.Fatalf("StartPlan() error = %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		cur, err := e.Orchestrator().PlanExecutions().Get(ctx, pe.UUID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Status == engine.StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("plan status = %s after 10s, want SUCCESS", cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewRejectsSQLQueueOnMemoryStore(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Driver = "sql"
	if _, err := New(context.Background(), cfg, WithTelemetry(telemetry.NewNopTelemetry())); err == nil {
		t.Fatal("New() accepted a sql queue on a memory store")
	}
}

func TestStartPlanPolicyDenied(t *testing.T) {
	plan := &engine.Plan{
		UUID:           "greedy",
		StartingNodeID: "flaky",
		Nodes: []*engine.PlanNode{
			planNode("flaky", engine.GroupStep, "NOOP", engine.ModeSync, ``,
				adviser(advisers.TypeRetry, `{"retry_count":50,"wait_intervals":["1s"]}`)),
		},
	}

	e := newEngine(t, testConfig())
	_, err := e.StartPlan(context.Background(), plan, nil)
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("StartPlan() error = %v, want POLICY_DENIED", err)
	}

	cfg := testConfig()
	cfg.Policy.Disabled = []string{"retry-limits"}
	e = newEngine(t, cfg)
	if _, err := e.StartPlan(context.Background(), plan, nil); err != nil {
		t.Fatalf("StartPlan() with retry-limits disabled error = %v", err)
	}
}
