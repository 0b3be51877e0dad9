package identity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/orchestrator"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/queue"
	"github.com/openfroyo/pms/pkg/sdk"
	"github.com/openfroyo/pms/pkg/stores"
	"github.com/openfroyo/pms/pkg/telemetry"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// harness wires an orchestrator and a step execution process over one
// memory queue and drains both topics in the calling goroutine.
type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *stores.MemoryStore
	queue    *queue.MemoryQueue
	orch     *orchestrator.Orchestrator
	listener *executor.NodeEventListener

	mu   sync.Mutex
	runs map[string]int
	fail map[string]bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := stores.NewMemoryStore()
	q := queue.NewMemoryQueue()
	tel := telemetry.NewNopTelemetry()
	outs := outputs.NewService(store, tel.Logger)
	o, err := orchestrator.New(orchestrator.Options{
		Nodes:          store,
		Plans:          store,
		PlanExecutions: store,
		Waits:          waitnotify.New(store, tel.Logger, tel.Metrics),
		Outputs:        outs,
		Producer:       q,
		Telemetry:      tel,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	registry := executor.NewRegistry()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		queue:    q,
		orch:     o,
		listener: executor.NewNodeEventListener(registry, sdk.NewNodeExecutionService(q, tel.Logger, tel.Metrics), outs, tel),
		runs:     map[string]int{},
		fail:     map[string]bool{},
	}
	registry.RegisterFacilitator("MODE", modeFacilitator{})
	registry.RegisterAdviser("NEXT", nextAdviser{})
	registry.RegisterStep("LEAF", leafStep{h: h})
	registry.RegisterStep("FANOUT", fanoutStep{})
	Register(o, registry, store)
	return h
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *harness) receive(topic string) []*queue.Message {
	h.t.Helper()
	msgs, err := h.queue.Receive(h.ctx, topic, 16, time.Minute)
	h.must(err)
	for _, m := range msgs {
		h.must(h.queue.Ack(h.ctx, m))
	}
	return msgs
}

func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		if msgs := h.receive(sdk.TopicResponseEvents); len(msgs) > 0 {
			for _, m := range msgs {
				ev, err := sdk.DecodeResponseEvent(m.Payload)
				h.must(err)
				h.must(h.orch.HandleResponseEvent(h.ctx, ev))
			}
			continue
		}
		msgs := h.receive(sdk.TopicNodeEvents)
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			ev, err := sdk.DecodeNodeEvent(m.Payload)
			h.must(err)
			h.must(h.listener.HandleNodeEvent(h.ctx, ev))
		}
	}
	h.t.Fatal("queues did not drain")
}

func (h *harness) runPlan(plan *engine.Plan, retryOf string) *engine.PlanExecution {
	h.t.Helper()
	pe, err := h.orch.StartPlan(h.ctx, plan, nil, retryOf)
	h.must(err)
	h.drain()
	pe, err = h.orch.PlanExecutions().Get(h.ctx, pe.UUID)
	h.must(err)
	return pe
}

func (h *harness) runCount(identifier string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[identifier]
}

func (h *harness) setFailing(identifier string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[identifier] = fail
}

func (h *harness) executionsOf(peID, nodeID string) []*engine.NodeExecution {
	h.t.Helper()
	nodes, err := h.orch.Nodes().ListByNode(h.ctx, peID, nodeID)
	h.must(err)
	return nodes
}

type modeFacilitator struct{}

func (modeFacilitator) Facilitate(_ context.Context, _ *engine.Ambiance, _, params json.RawMessage, _ *engine.StepInputPackage) (*engine.FacilitatorResponse, error) {
	var p struct {
		Mode engine.ExecutionMode `json:"mode"`
	}
	if err := sdk.ParseParams(params, &p); err != nil {
		return nil, err
	}
	return &engine.FacilitatorResponse{ExecutionMode: p.Mode}, nil
}

type nextAdviser struct{}

func (nextAdviser) CanAdvise(_ context.Context, ev *engine.AdvisingEvent) bool {
	return ev.ToStatus.IsPositive()
}

func (nextAdviser) OnAdviseEvent(_ context.Context, ev *engine.AdvisingEvent) (*engine.AdviserResponse, error) {
	var p struct {
		Next string `json:"next"`
	}
	if err := sdk.ParseParams(ev.AdviserParameters, &p); err != nil {
		return nil, err
	}
	return engine.NewAdviserResponse(engine.AdviseNextStep, p.Next), nil
}

type leafStep struct{ h *harness }

func (s leafStep) ExecuteSync(_ context.Context, sc *engine.StepContext) (*engine.StepResponse, error) {
	id := sc.Ambiance.CurrentIdentifier()
	s.h.mu.Lock()
	s.h.runs[id]++
	fail := s.h.fail[id]
	s.h.mu.Unlock()
	if fail {
		return &engine.StepResponse{
			Status:      engine.StatusFailed,
			FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "LEAF_FAILED", id+" failed"),
		}, nil
	}
	return &engine.StepResponse{
		Status:       engine.StatusSucceeded,
		StepOutcomes: []engine.StepOutcome{{Name: "result_" + id, Outcome: json.RawMessage(`"` + id + `"`)}},
	}, nil
}

type fanoutStep struct{}

func (fanoutStep) ObtainChildren(_ context.Context, sc *engine.StepContext) (*engine.ChildrenResponse, error) {
	var p struct {
		Children []string `json:"children"`
	}
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	resp := &engine.ChildrenResponse{MaxConcurrency: 1}
	for _, c := range p.Children {
		resp.Children = append(resp.Children, engine.ChildSpec{ChildNodeID: c})
	}
	return resp, nil
}

func (fanoutStep) HandleChildrenResponse(_ context.Context, _ *engine.StepContext, responses map[string]engine.ResponseData) (*engine.StepResponse, error) {
	children, err := sdk.ChildStatuses(responses)
	if err != nil {
		return nil, err
	}
	statuses := make([]engine.Status, len(children))
	for i, c := range children {
		statuses[i] = c.Status
	}
	if engine.AggregateStatus(statuses) == engine.StatusFailed {
		return &engine.StepResponse{
			Status:      engine.StatusFailed,
			FailureInfo: engine.NewFailureInfo(engine.FailureApplication, "CHILD_FAILED", "child failed"),
		}, nil
	}
	return &engine.StepResponse{Status: engine.StatusSucceeded}, nil
}

func node(id, group, stepType string, mode engine.ExecutionMode, next string, params string) *engine.PlanNode {
	n := &engine.PlanNode{
		UUID:         id,
		Identifier:   id,
		Kind:         engine.NodeKindPlan,
		Group:        group,
		StepType:     stepType,
		Facilitators: []engine.FacilitatorObtainment{{Type: "MODE", Parameters: json.RawMessage(`{"mode":"` + string(mode) + `"}`)}},
	}
	if params != "" {
		n.StepParameters = json.RawMessage(params)
	}
	if next != "" {
		n.Advisers = []engine.AdviserObtainment{{Type: "NEXT", Parameters: json.RawMessage(`{"next":"` + next + `"}`)}}
	}
	return n
}

// pipelinePlan runs stage s1 and then stage s2. s1 fans out to steps a and
// b; s2 runs step c.
func pipelinePlan() *engine.Plan {
	return &engine.Plan{
		UUID:           "plan-1",
		StartingNodeID: "pipeline",
		Nodes: []*engine.PlanNode{
			node("pipeline", engine.GroupPipeline, "FANOUT", engine.ModeChildren, "", `{"children":["s1"]}`),
			node("s1", engine.GroupStage, "FANOUT", engine.ModeChildren, "s2", `{"children":["a","b"]}`),
			node("s2", engine.GroupStage, "FANOUT", engine.ModeChildren, "", `{"children":["c"]}`),
			node("a", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
			node("b", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
			node("c", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
		},
	}
}

func TestRetrySkipsSucceededStages(t *testing.T) {
	h := newHarness(t)
	h.setFailing("c", true)

	first := h.runPlan(pipelinePlan(), "")
	if first.Status != engine.StatusFailed {
		t.Fatalf("first run status = %s, want %s", first.Status, engine.StatusFailed)
	}

	plan, err := NewRetryPlanBuilder(h.store, h.store, h.store).Build(h.ctx, first.UUID, RetryOptions{})
	h.must(err)
	kinds := map[string]engine.NodeKind{}
	for _, n := range plan.Nodes {
		kinds[n.UUID] = n.Kind
	}
	wantKinds := map[string]engine.NodeKind{
		"pipeline": engine.NodeKindPlan,
		"s1":       engine.NodeKindIdentity,
		"s2":       engine.NodeKindPlan,
		"a":        engine.NodeKindPlan,
		"b":        engine.NodeKindPlan,
		"c":        engine.NodeKindPlan,
	}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("retry plan kinds mismatch (-want +got):\n%s", diff)
	}

	h.setFailing("c", false)
	second := h.runPlan(plan, first.UUID)
	if second.Status != engine.StatusSucceeded {
		t.Fatalf("retry status = %s, want %s", second.Status, engine.StatusSucceeded)
	}
	if second.RetryOf != first.UUID {
		t.Errorf("retry_of = %q, want %q", second.RetryOf, first.UUID)
	}

	gotRuns := map[string]int{"a": h.runCount("a"), "b": h.runCount("b"), "c": h.runCount("c")}
	if diff := cmp.Diff(map[string]int{"a": 1, "b": 1, "c": 2}, gotRuns); diff != "" {
		t.Errorf("step runs mismatch (-want +got):\n%s", diff)
	}

	origS1 := h.executionsOf(first.UUID, "s1")
	s1 := h.executionsOf(second.UUID, "s1")
	if len(s1) != 1 || len(origS1) != 1 {
		t.Fatalf("s1 executions = %d/%d, want 1/1", len(origS1), len(s1))
	}
	if !s1[0].IsIdentity() || s1[0].OriginalNodeExecutionID != origS1[0].UUID || s1[0].Status != engine.StatusSucceeded {
		t.Errorf("s1 identity = %+v", s1[0])
	}
	if s1[0].StepType != StepType || s1[0].Mode != engine.ModeChildren {
		t.Errorf("s1 ran %s in %s, want %s in CHILDREN", s1[0].StepType, s1[0].Mode, StepType)
	}
	if s1[0].NextID == "" {
		t.Error("s1 identity did not continue with s2")
	}

	all, err := h.orch.Nodes().ListByPlanExecution(h.ctx, second.UUID, false)
	h.must(err)
	var identities []string
	for _, ne := range all {
		if ne.IsIdentity() {
			identities = append(identities, ne.Identifier)
			if ne.Status != engine.StatusSucceeded {
				t.Errorf("identity %s status = %s", ne.Identifier, ne.Status)
			}
		}
	}
	if diff := cmp.Diff([]string{"s1", "a", "b"}, identities); diff != "" {
		t.Errorf("identity nodes mismatch (-want +got):\n%s", diff)
	}

	outcomes, err := h.orch.Outputs().ListOutcomes(h.ctx, second.UUID, "")
	h.must(err)
	names := map[string]bool{}
	for _, o := range outcomes {
		names[o.Name] = true
	}
	for _, want := range []string{"result_a", "result_b", "result_c"} {
		if !names[want] {
			t.Errorf("outcome %s missing from retry execution, got %v", want, names)
		}
	}
}

func TestRetryPlanBuilder(t *testing.T) {
	h := newHarness(t)
	h.setFailing("c", true)
	first := h.runPlan(pipelinePlan(), "")

	tests := []struct {
		name      string
		opts      RetryOptions
		wantIdent []string
	}{
		{name: "stage group", opts: RetryOptions{}, wantIdent: []string{"s1"}},
		{name: "step group", opts: RetryOptions{Group: engine.GroupStep}, wantIdent: []string{"a", "b"}},
		{name: "rerun", opts: RetryOptions{Group: engine.GroupStep, Rerun: []string{"a"}}, wantIdent: []string{"b"}},
		{name: "explicit plan id", opts: RetryOptions{PlanID: "retry-plan"}, wantIdent: []string{"s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewRetryPlanBuilder(h.store, h.store, h.store).Build(h.ctx, first.UUID, tt.opts)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			var got []string
			for _, n := range plan.Nodes {
				if n.Kind == engine.NodeKindIdentity {
					got = append(got, n.Identifier)
					if n.OriginalNodeExecutionID == "" || len(n.Facilitators) != 0 {
						t.Errorf("identity node %s = %+v", n.UUID, n)
					}
				}
			}
			if diff := cmp.Diff(tt.wantIdent, got); diff != "" {
				t.Errorf("identity nodes mismatch (-want +got):\n%s", diff)
			}
			if tt.opts.PlanID != "" && plan.UUID != tt.opts.PlanID {
				t.Errorf("plan id = %s, want %s", plan.UUID, tt.opts.PlanID)
			}
			if _, err := h.store.GetPlan(h.ctx, plan.UUID); err != nil {
				t.Errorf("retry plan not saved: %v", err)
			}
		})
	}
}

func TestRetryPlanBuilderRejectsActiveExecution(t *testing.T) {
	h := newHarness(t)
	pe, err := h.orch.StartPlan(h.ctx, pipelinePlan(), nil, "")
	h.must(err)

	_, err = NewRetryPlanBuilder(h.store, h.store, h.store).Build(h.ctx, pe.UUID, RetryOptions{})
	if !engine.IsPermanent(err) {
		t.Errorf("Build() error = %v, want a permanent error", err)
	}
}

// matrixStep spawns one child carrying the strategy metadata of a matrix
// instance.
type matrixStep struct{ fanoutStep }

func (matrixStep) ObtainChildren(_ context.Context, sc *engine.StepContext) (*engine.ChildrenResponse, error) {
	var p struct {
		Child string `json:"child"`
		OS    string `json:"os"`
	}
	if err := sdk.ParseParams(sc.Parameters, &p); err != nil {
		return nil, err
	}
	spec := engine.ChildSpec{ChildNodeID: p.Child}
	if p.OS != "" {
		spec.StrategyMetadata = &engine.StrategyMetadata{TotalIterations: 2, MatrixValues: map[string]string{"os": p.OS}}
	}
	return &engine.ChildrenResponse{Children: []engine.ChildSpec{spec}}, nil
}

func TestIdentityMatchesStrategyStack(t *testing.T) {
	tests := []struct {
		name       string
		originals  []string
		os         string
		wantStatus engine.Status
	}{
		{name: "single match", originals: []string{"linux", "mac"}, os: "mac", wantStatus: engine.StatusSucceeded},
		{name: "no match", originals: []string{"linux", "mac"}, os: "windows", wantStatus: engine.StatusFailed},
		{name: "ambiguous", originals: []string{"linux", "linux"}, os: "linux", wantStatus: engine.StatusFailed},
		{name: "no strategy single original", originals: []string{""}, wantStatus: engine.StatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.listener.Registry().RegisterStep("MATRIX", matrixStep{})
			origAmb, err := engine.NewAmbiance("pe-orig", "plan-orig", nil)
			h.must(err)
			h.must(h.store.SavePlan(h.ctx, &engine.Plan{
				UUID:           "plan-orig",
				StartingNodeID: "a",
				Nodes:          []*engine.PlanNode{node("a", engine.GroupStep, "LEAF", engine.ModeSync, "", "")},
			}))

			var base string
			for i, v := range tt.originals {
				id := orchestrator.DeriveID("orig", tt.name, string(rune('0'+i)))
				lvl := engine.Level{SetupID: "a", RuntimeID: id, Identifier: "a", Group: engine.GroupStep, StepType: "LEAF"}
				if v != "" {
					lvl.StrategyMetadata = &engine.StrategyMetadata{TotalIterations: 2, MatrixValues: map[string]string{"os": v}}
				}
				h.must(h.store.CreateNodeExecution(h.ctx, &engine.NodeExecution{
					UUID:       id,
					Ambiance:   origAmb.CloneForChild(lvl),
					NodeID:     "a",
					Kind:       engine.NodeKindPlan,
					Identifier: "a",
					StepType:   "LEAF",
					Status:     engine.StatusSucceeded,
					Mode:       engine.ModeSync,
				}))
				if base == "" {
					base = id
				}
			}

			plan := &engine.Plan{
				UUID:           "plan-retry",
				StartingNodeID: "loop",
				Nodes: []*engine.PlanNode{
					node("loop", engine.GroupStage, "MATRIX", engine.ModeChildren, "", `{"child":"a","os":"`+tt.os+`"}`),
					{
						UUID:                    "a",
						Identifier:              "a",
						Kind:                    engine.NodeKindIdentity,
						Group:                   engine.GroupStep,
						StepType:                "LEAF",
						OriginalNodeExecutionID: base,
					},
				},
			}
			pe := h.runPlan(plan, "pe-orig")

			got := h.executionsOf(pe.UUID, "a")
			if len(got) != 1 {
				t.Fatalf("got %d executions", len(got))
			}
			if got[0].Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (failure %+v)", got[0].Status, tt.wantStatus, got[0].FailureInfo)
			}
			if pe.Status != tt.wantStatus {
				t.Errorf("plan status = %s, want %s", pe.Status, tt.wantStatus)
			}
			if tt.wantStatus == engine.StatusFailed && !got[0].FailureInfo.HasFailureType(engine.FailureIdentityMatch) {
				t.Errorf("failure info = %+v, want %s", got[0].FailureInfo, engine.FailureIdentityMatch)
			}
			if h.runCount("a") != 0 {
				t.Errorf("identity node ran the step %d times", h.runCount("a"))
			}
		})
	}
}

func TestRetryChainCloned(t *testing.T) {
	h := newHarness(t)
	origAmb, err := engine.NewAmbiance("pe-orig", "plan-orig", nil)
	h.must(err)
	h.must(h.store.SavePlan(h.ctx, &engine.Plan{
		UUID:           "plan-orig",
		StartingNodeID: "a",
		Nodes:          []*engine.PlanNode{node("a", engine.GroupStep, "LEAF", engine.ModeSync, "", "")},
	}))
	mk := func(id string, status engine.Status, old bool, retries ...string) {
		h.must(h.store.CreateNodeExecution(h.ctx, &engine.NodeExecution{
			UUID:       id,
			Ambiance:   origAmb.CloneForChild(engine.Level{SetupID: "a", RuntimeID: id, Identifier: "a"}),
			NodeID:     "a",
			Kind:       engine.NodeKindPlan,
			Identifier: "a",
			StepType:   "LEAF",
			Status:     status,
			Mode:       engine.ModeSync,
			OldRetry:   old,
			RetryIDs:   retries,
			InterruptHistories: []engine.InterruptEffect{
				{InterruptID: "int-" + id, Type: engine.InterruptRetry, RetryID: id},
			},
		}))
	}
	mk("try-1", engine.StatusFailed, true)
	mk("try-2", engine.StatusSucceeded, false, "try-1")

	pe, err := h.orch.StartPlan(h.ctx, &engine.Plan{
		UUID:           "plan-retry",
		StartingNodeID: "a",
		Nodes: []*engine.PlanNode{{
			UUID: "a", Identifier: "a", Kind: engine.NodeKindIdentity, StepType: "LEAF",
			OriginalNodeExecutionID: "try-2",
		}},
	}, nil, "pe-orig")
	h.must(err)
	h.drain()

	all, err := h.orch.Nodes().ListByPlanExecution(h.ctx, pe.UUID, true)
	h.must(err)
	if len(all) != 2 {
		t.Fatalf("got %d executions, want the identity and one clone", len(all))
	}
	ident, clone := all[0], all[1]
	if ident.OldRetry {
		ident, clone = clone, ident
	}
	if diff := cmp.Diff([]string{clone.UUID}, ident.RetryIDs); diff != "" {
		t.Errorf("retry ids mismatch (-want +got):\n%s", diff)
	}
	if !clone.OldRetry || clone.Status != engine.StatusFailed || clone.OriginalNodeExecutionID != "try-1" {
		t.Errorf("clone = %+v", clone)
	}
	if clone.ParentID != ident.ParentID || clone.Ambiance.CurrentRuntimeID() != clone.UUID {
		t.Errorf("clone placement = parent %q runtime %q", clone.ParentID, clone.Ambiance.CurrentRuntimeID())
	}
	if got := clone.InterruptHistories[0].RetryID; got != clone.UUID {
		t.Errorf("clone interrupt retry id = %s, want %s", got, clone.UUID)
	}
	if got := ident.InterruptHistories[0].RetryID; got != ident.UUID {
		t.Errorf("identity interrupt retry id = %s, want %s", got, ident.UUID)
	}
	if pe2, _ := h.orch.PlanExecutions().Get(h.ctx, pe.UUID); pe2.Status != engine.StatusSucceeded {
		t.Errorf("plan status = %s", pe2.Status)
	}
}

func TestIdentityReplaysSkippedOriginal(t *testing.T) {
	tests := []struct {
		name string
		mode engine.ExecutionMode
	}{
		{name: "leaf original", mode: engine.ModeSync},
		{name: "spawning original", mode: engine.ModeChildren},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			origAmb, err := engine.NewAmbiance("pe-orig", "plan-orig", nil)
			h.must(err)
			h.must(h.store.SavePlan(h.ctx, &engine.Plan{
				UUID:           "plan-orig",
				StartingNodeID: "a",
				Nodes:          []*engine.PlanNode{node("a", engine.GroupStep, "LEAF", tt.mode, "b", "")},
			}))
			h.must(h.store.CreateNodeExecution(h.ctx, &engine.NodeExecution{
				UUID:            "orig-a",
				Ambiance:        origAmb.CloneForChild(engine.Level{SetupID: "a", RuntimeID: "orig-a", Identifier: "a"}),
				NodeID:          "a",
				Kind:            engine.NodeKindPlan,
				Identifier:      "a",
				StepType:        "LEAF",
				Status:          engine.StatusSkipped,
				Mode:            tt.mode,
				AdviserResponse: engine.NewAdviserResponse(engine.AdviseNextStep, "b"),
			}))

			pe := h.runPlan(&engine.Plan{
				UUID:           "plan-retry",
				StartingNodeID: "a",
				Nodes: []*engine.PlanNode{
					{
						UUID: "a", Identifier: "a", Kind: engine.NodeKindIdentity, Group: engine.GroupStep,
						StepType: "LEAF", OriginalNodeExecutionID: "orig-a",
					},
					node("b", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
				},
			}, "pe-orig")

			if pe.Status != engine.StatusSucceeded {
				t.Fatalf("plan status = %s, want %s", pe.Status, engine.StatusSucceeded)
			}
			got := h.executionsOf(pe.UUID, "a")
			if len(got) != 1 {
				t.Fatalf("got %d executions of a, want 1", len(got))
			}
			a := got[0]
			if a.Status != engine.StatusSkipped || a.Mode != tt.mode || a.StepType == StepType {
				t.Errorf("a = %s in %s running %s, want SKIPPED in %s without spawning", a.Status, a.Mode, a.StepType, tt.mode)
			}
			if a.AdviserResponse == nil || a.AdviserResponse.Type != engine.AdviseNextStep {
				t.Errorf("a adviser response = %+v, want the replayed NEXT_STEP", a.AdviserResponse)
			}
			children, err := h.orch.Nodes().ListByPlanExecution(h.ctx, pe.UUID, true)
			h.must(err)
			for _, c := range children {
				if c.ParentID == a.UUID {
					t.Errorf("skipped identity spawned child %s", c.Identifier)
				}
			}
			gotRuns := map[string]int{"a": h.runCount("a"), "b": h.runCount("b")}
			if diff := cmp.Diff(map[string]int{"a": 0, "b": 1}, gotRuns); diff != "" {
				t.Errorf("step runs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSpawningIdentityRerunsNegativeChildren(t *testing.T) {
	tests := []struct {
		name        string
		childStatus engine.Status
		advise      *engine.AdviserResponse
		wantRerun   bool
	}{
		{name: "failed child", childStatus: engine.StatusFailed, wantRerun: true},
		{name: "errored child", childStatus: engine.StatusErrored, wantRerun: true},
		{name: "ignored failure", childStatus: engine.StatusFailed, advise: engine.NewAdviserResponse(engine.AdviseIgnoreFailure, "")},
		{name: "succeeded child", childStatus: engine.StatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			origAmb, err := engine.NewAmbiance("pe-orig", "plan-orig", nil)
			h.must(err)
			h.must(h.store.SavePlan(h.ctx, &engine.Plan{
				UUID:           "plan-orig",
				StartingNodeID: "s",
				Nodes: []*engine.PlanNode{
					node("s", engine.GroupStage, "FANOUT", engine.ModeChildren, "", `{"children":["x","y"]}`),
					node("x", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
					node("y", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
				},
			}))
			stageAmb := origAmb.CloneForChild(engine.Level{SetupID: "s", RuntimeID: "orig-s", Identifier: "s", Group: engine.GroupStage})
			h.must(h.store.CreateNodeExecution(h.ctx, &engine.NodeExecution{
				UUID: "orig-s", Ambiance: stageAmb, NodeID: "s", Kind: engine.NodeKindPlan, Identifier: "s",
				Group: engine.GroupStage, StepType: "FANOUT", Status: engine.StatusSucceeded, Mode: engine.ModeChildren,
			}))
			child := func(id string, status engine.Status, advise *engine.AdviserResponse) {
				h.must(h.store.CreateNodeExecution(h.ctx, &engine.NodeExecution{
					UUID:            "orig-" + id,
					Ambiance:        stageAmb.CloneForChild(engine.Level{SetupID: id, RuntimeID: "orig-" + id, Identifier: id, Group: engine.GroupStep}),
					NodeID:          id,
					Kind:            engine.NodeKindPlan,
					Identifier:      id,
					Group:           engine.GroupStep,
					StepType:        "LEAF",
					Status:          status,
					Mode:            engine.ModeSync,
					ParentID:        "orig-s",
					AdviserResponse: advise,
				}))
			}
			child("x", engine.StatusSucceeded, nil)
			child("y", tt.childStatus, tt.advise)

			pe := h.runPlan(&engine.Plan{
				UUID:           "plan-retry",
				StartingNodeID: "s",
				Nodes: []*engine.PlanNode{
					{
						UUID: "s", Identifier: "s", Kind: engine.NodeKindIdentity, Group: engine.GroupStage,
						StepType: "FANOUT", OriginalNodeExecutionID: "orig-s",
					},
					node("x", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
					node("y", engine.GroupStep, "LEAF", engine.ModeSync, "", ""),
				},
			}, "pe-orig")

			if pe.Status != engine.StatusSucceeded {
				t.Fatalf("plan status = %s, want %s", pe.Status, engine.StatusSucceeded)
			}
			wantRuns := map[string]int{"x": 0, "y": 0}
			if tt.wantRerun {
				wantRuns["y"] = 1
			}
			gotRuns := map[string]int{"x": h.runCount("x"), "y": h.runCount("y")}
			if diff := cmp.Diff(wantRuns, gotRuns); diff != "" {
				t.Errorf("step runs mismatch (-want +got):\n%s", diff)
			}

			all, err := h.orch.Nodes().ListByPlanExecution(h.ctx, pe.UUID, false)
			h.must(err)
			kinds := map[string]engine.NodeKind{}
			for _, ne := range all {
				kinds[ne.Identifier] = ne.Kind
				if ne.Identifier == "y" && tt.wantRerun && ne.NodeID != "y" {
					t.Errorf("y re-ran as %s, want the plan node y", ne.NodeID)
				}
			}
			wantY := engine.NodeKindIdentity
			if tt.wantRerun {
				wantY = engine.NodeKindPlan
			}
			wantKinds := map[string]engine.NodeKind{"s": engine.NodeKindIdentity, "x": engine.NodeKindIdentity, "y": wantY}
			if diff := cmp.Diff(wantKinds, kinds); diff != "" {
				t.Errorf("node kinds mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
