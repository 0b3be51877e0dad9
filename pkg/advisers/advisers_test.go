package advisers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/executor"
	"github.com/openfroyo/pms/pkg/telemetry"
)

func testEvent(t *testing.T, to engine.Status, params string, retries int) *engine.AdvisingEvent {
	t.Helper()
	amb, err := engine.NewAmbiance("pe-1", "plan-1", map[string]string{engine.SetupAccountID: "acc"})
	if err != nil {
		t.Fatal(err)
	}
	amb = amb.CloneForChild(engine.Level{
		SetupID:          "node-1",
		RuntimeID:        "ne-1",
		Identifier:       "deploy",
		Group:            engine.GroupStep,
		StepType:         "SHELL",
		StrategyMetadata: &engine.StrategyMetadata{MatrixValues: map[string]string{"os": "linux"}},
	})
	ev := &engine.AdvisingEvent{
		Ambiance:          amb,
		NodeExecutionID:   "ne-1",
		FromStatus:        engine.StatusRunning,
		ToStatus:          to,
		AdviserParameters: json.RawMessage(params),
		StepParameters:    json.RawMessage(`{"env":"prod","replicas":3}`),
	}
	for i := 0; i < retries; i++ {
		ev.RetryIDs = append(ev.RetryIDs, "old-"+string(rune('a'+i)))
	}
	if to.IsFailure() {
		ev.FailureInfo = engine.NewFailureInfo(engine.FailureTimeout, "TIMEOUT", "deadline exceeded")
	}
	return ev
}

func adviserFor(t *testing.T, typ string) engine.Adviser {
	t.Helper()
	registry := executor.NewRegistry()
	Register(registry, telemetry.NewNopLogger())
	a, err := registry.Adviser(typ)
	if err != nil {
		t.Fatalf("Adviser(%s) error = %v", typ, err)
	}
	return a
}

func TestCanAdvise(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		status  engine.Status
		params  string
		retries int
		want    bool
	}{
		{name: "retry on failure", typ: TypeRetry, status: engine.StatusFailed, params: `{"retry_count":2}`, want: true},
		{name: "retry skips success", typ: TypeRetry, status: engine.StatusSucceeded, params: `{"retry_count":2}`},
		{name: "next step on success", typ: TypeNextStep, status: engine.StatusSucceeded, params: `{"next_node_id":"b"}`, want: true},
		{name: "next step on skipped", typ: TypeNextStep, status: engine.StatusSkipped, params: `{"next_node_id":"b"}`, want: true},
		{name: "next step skips failure", typ: TypeNextStep, status: engine.StatusFailed, params: `{"next_node_id":"b"}`},
		{name: "status override", typ: TypeNextStep, status: engine.StatusFailed, params: `{"next_node_id":"b","statuses":["FAILED"]}`, want: true},
		{name: "failure type match", typ: TypeOnFail, status: engine.StatusFailed, params: `{"failure_types":["TIMEOUT_ERROR"]}`, want: true},
		{name: "failure type mismatch", typ: TypeOnFail, status: engine.StatusFailed, params: `{"failure_types":["APPLICATION_ERROR"]}`},
		{name: "end plan on any terminal", typ: TypeEndPlan, status: engine.StatusSucceeded, params: `{}`, want: true},
		{name: "when true", typ: TypeRetry, status: engine.StatusFailed, params: `{"when":"params['env'] == 'prod' and matrix['os'] == 'linux'"}`, want: true},
		{name: "when false", typ: TypeRetry, status: engine.StatusFailed, params: `{"when":"retry_count >= 2"}`, retries: 1},
		{name: "when on failure types", typ: TypeIgnoreFailure, status: engine.StatusFailed, params: `{"when":"'TIMEOUT_ERROR' in failure_types and identifier == 'deploy'"}`, want: true},
		{name: "when on setup", typ: TypeMarkSuccess, status: engine.StatusFailed, params: `{"when":"setup['accountId'] == 'other'"}`},
		{name: "invalid when", typ: TypeRetry, status: engine.StatusFailed, params: `{"when":"status ==="}`},
		{name: "undefined name", typ: TypeRetry, status: engine.StatusFailed, params: `{"when":"missing"}`},
		{name: "invalid params", typ: TypeRetry, status: engine.StatusFailed, params: `{"statuses":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := adviserFor(t, tt.typ)
			got := a.CanAdvise(context.Background(), testEvent(t, tt.status, tt.params, tt.retries))
			if got != tt.want {
				t.Errorf("CanAdvise() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnAdviseEvent(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		params  string
		retries int
		want    *engine.AdviserResponse
		wantErr bool
	}{
		{
			name:   "first retry",
			typ:    TypeRetry,
			params: `{"retry_count":3,"wait_intervals":["1s","5s"]}`,
			want:   &engine.AdviserResponse{Type: engine.AdviseRetry, Retry: &engine.RetryAdvise{RetryCount: 3, WaitInterval: time.Second}},
		},
		{
			name:    "later retry reuses last interval",
			typ:     TypeRetry,
			params:  `{"retry_count":3,"wait_intervals":["1s","5s"]}`,
			retries: 2,
			want:    &engine.AdviserResponse{Type: engine.AdviseRetry, Retry: &engine.RetryAdvise{RetryCount: 3, WaitInterval: 5 * time.Second}},
		},
		{
			name:    "exhausted without after",
			typ:     TypeRetry,
			params:  `{"retry_count":1}`,
			retries: 1,
		},
		{
			name:    "exhausted then ignore",
			typ:     TypeRetry,
			params:  `{"retry_count":1,"after":"IGNORE_FAILURE","next_node_id":"b"}`,
			retries: 1,
			want:    &engine.AdviserResponse{Type: engine.AdviseIgnoreFailure, IgnoreFailure: &engine.NextNodeAdvise{NextNodeID: "b"}},
		},
		{
			name:    "exhausted then next step without node",
			typ:     TypeRetry,
			params:  `{"retry_count":0,"after":"NEXT_STEP"}`,
			wantErr: true,
		},
		{
			name:    "negative retry count",
			typ:     TypeRetry,
			params:  `{"retry_count":-1}`,
			wantErr: true,
		},
		{
			name:   "on fail",
			typ:    TypeOnFail,
			params: `{"next_node_id":"cleanup"}`,
			want:   &engine.AdviserResponse{Type: engine.AdviseNextStep, NextStep: &engine.NextNodeAdvise{NextNodeID: "cleanup"}},
		},
		{
			name:    "on fail without node",
			typ:     TypeOnFail,
			params:  `{}`,
			wantErr: true,
		},
		{
			name:   "mark success without node",
			typ:    TypeMarkSuccess,
			params: `{}`,
			want:   &engine.AdviserResponse{Type: engine.AdviseMarkSuccess, MarkSuccess: &engine.NextNodeAdvise{}},
		},
		{
			name:   "intervention",
			typ:    TypeManualIntervention,
			params: `{"timeout":"1h","repair_action_code":"MARK_SUCCESS"}`,
			want: &engine.AdviserResponse{Type: engine.AdviseInterventionWait, InterventionWait: &engine.InterventionWaitAdvise{
				Timeout:          time.Hour,
				RepairActionCode: engine.AdviseMarkSuccess,
			}},
		},
		{
			name:    "intervention with bad repair action",
			typ:     TypeManualIntervention,
			params:  `{"repair_action_code":"REBOOT"}`,
			wantErr: true,
		},
		{
			name:   "end plan abort",
			typ:    TypeEndPlan,
			params: `{"abort":true}`,
			want:   &engine.AdviserResponse{Type: engine.AdviseEndPlan, EndPlan: &engine.EndPlanAdvise{Abort: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := adviserFor(t, tt.typ)
			got, err := a.OnAdviseEvent(context.Background(), testEvent(t, engine.StatusFailed, tt.params, tt.retries))
			if (err != nil) != tt.wantErr {
				t.Fatalf("OnAdviseEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !engine.IsPermanent(err) {
					t.Errorf("error %v is not permanent", err)
				}
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
			if got != nil {
				if err := got.Validate(); err != nil {
					t.Errorf("response does not validate: %v", err)
				}
			}
		})
	}
}

func TestConditionTimeout(t *testing.T) {
	c := NewCondition(20 * time.Millisecond)
	ev := testEvent(t, engine.StatusFailed, `{}`, 0)
	_, err := c.Eval(context.Background(), "[x for x in range(100000000)]", ev)
	if err == nil {
		t.Fatal("Eval() of a runaway expression succeeded")
	}
	if !strings.Contains(err.Error(), "when condition") {
		t.Errorf("error = %v", err)
	}
}

func TestDurationDecoding(t *testing.T) {
	var got struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"90s","b":1000}`), &got); err != nil {
		t.Fatal(err)
	}
	if time.Duration(got.A) != 90*time.Second || time.Duration(got.B) != time.Microsecond {
		t.Errorf("decoded %v and %v", time.Duration(got.A), time.Duration(got.B))
	}
	if err := json.Unmarshal([]byte(`{"a":"soon"}`), &got); err == nil {
		t.Error("invalid duration decoded")
	}
}
