package sdk

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/queue"
)

func testAmbiance(t *testing.T) *engine.Ambiance {
	t.Helper()
	amb, err := engine.NewAmbiance("pe-1", "plan-1", map[string]string{engine.SetupAccountID: "acc"})
	if err != nil {
		t.Fatal(err)
	}
	return amb.CloneForChild(engine.Level{SetupID: "node-1", RuntimeID: "ne-1", Identifier: "build", Group: engine.GroupStep})
}

func TestNodeEventRoundTrip(t *testing.T) {
	amb := testAmbiance(t)
	ev := &NodeEvent{
		EventID:         "ev-1",
		Type:            NodeEventResume,
		NodeExecutionID: "ne-1",
		Ambiance:        amb,
		NodeID:          "node-1",
		StepType:        "SHELL",
		Mode:            engine.ModeAsync,
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Resume: &ResumePayload{
			Responses: map[string]engine.ResponseData{
				"cb-1": {Data: json.RawMessage(`{"exit":0}`)},
			},
		},
	}

	payload, err := EncodeNodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeNodeEvent() error = %v", err)
	}
	got, err := DecodeNodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeNodeEvent() error = %v", err)
	}
	if diff := cmp.Diff(ev, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeResponseEvent(payload); err == nil {
		t.Error("DecodeResponseEvent() accepted a node event")
	}
}

func TestNodeEventValidate(t *testing.T) {
	amb := testAmbiance(t)
	tests := []struct {
		name    string
		ev      NodeEvent
		wantErr string
	}{
		{
			name:    "missing id",
			ev:      NodeEvent{Type: NodeEventStart, NodeExecutionID: "ne", Ambiance: amb, Start: &StartPayload{}},
			wantErr: "id is required",
		},
		{
			name:    "payload mismatch",
			ev:      NodeEvent{EventID: "e", Type: NodeEventStart, NodeExecutionID: "ne", Ambiance: amb, Advise: &AdvisePayload{}},
			wantErr: "does not match",
		},
		{
			name: "two payloads",
			ev: NodeEvent{EventID: "e", Type: NodeEventStart, NodeExecutionID: "ne", Ambiance: amb,
				Start: &StartPayload{}, Advise: &AdvisePayload{}},
			wantErr: "does not match",
		},
		{
			name:    "unknown type",
			ev:      NodeEvent{EventID: "e", Type: "STOP", NodeExecutionID: "ne", Ambiance: amb},
			wantErr: "invalid node event type",
		},
		{
			name: "valid",
			ev:   NodeEvent{EventID: "e", Type: NodeEventFacilitate, NodeExecutionID: "ne", Ambiance: amb, Facilitate: &FacilitatePayload{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResponseEventValidate(t *testing.T) {
	base := func(typ ResponseEventType) ResponseEvent {
		return ResponseEvent{EventID: "e", Type: typ, NodeExecutionID: "ne"}
	}
	with := func(ev ResponseEvent, f func(*ResponseEvent)) ResponseEvent {
		f(&ev)
		return ev
	}

	tests := []struct {
		name    string
		ev      ResponseEvent
		wantErr bool
	}{
		{
			name: "async executable response",
			ev: with(base(EventAddExecutableResponse), func(e *ResponseEvent) {
				e.AddExecutableResponse = &AddExecutableResponseRequest{
					Status:   engine.StatusAsyncWaiting,
					Response: engine.ExecutableResponse{Mode: engine.ModeAsync, Async: &engine.AsyncResponse{CallbackIDs: []string{"cb"}}},
				}
			}),
		},
		{
			name: "executable response with terminal status",
			ev: with(base(EventAddExecutableResponse), func(e *ResponseEvent) {
				e.AddExecutableResponse = &AddExecutableResponseRequest{
					Status:   engine.StatusSucceeded,
					Response: engine.ExecutableResponse{Mode: engine.ModeSync, Sync: &engine.SyncResponse{}},
				}
			}),
			wantErr: true,
		},
		{
			name: "step response must be terminal",
			ev: with(base(EventHandleStepResponse), func(e *ResponseEvent) {
				e.StepResponse = &StepResponseRequest{Response: engine.StepResponse{Status: engine.StatusRunning}}
			}),
			wantErr: true,
		},
		{
			name: "empty facilitation decision",
			ev: with(base(EventHandleFacilitateResponse), func(e *ResponseEvent) {
				e.FacilitateResponse = &FacilitateResponseRequest{}
			}),
		},
		{
			name: "event error needs failure info",
			ev: with(base(EventHandleEventError), func(e *ResponseEvent) {
				e.EventError = &EventErrorRequest{EventType: NodeEventStart}
			}),
			wantErr: true,
		},
		{
			name: "queue task needs callback",
			ev: with(base(EventQueueTask), func(e *ResponseEvent) {
				e.QueueTask = &QueueTaskRequest{Task: engine.TaskRequest{TaskType: "shell"}}
			}),
			wantErr: true,
		},
		{
			name: "suspend chain needs chain mode",
			ev: with(base(EventSuspendChain), func(e *ResponseEvent) {
				e.SuspendChain = &SuspendChainRequest{Response: engine.ExecutableResponse{Mode: engine.ModeSync, Sync: &engine.SyncResponse{}}}
			}),
			wantErr: true,
		},
		{
			name: "payload of another type",
			ev: with(base(EventSpawnChild), func(e *ResponseEvent) {
				e.Progress = &ProgressRequest{}
			}),
			wantErr: true,
		},
		{
			name:    "no payload",
			ev:      base(EventHandleProgress),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNodeExecutionServicePublishes(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	svc := NewNodeExecutionService(q, nil, nil)

	ev := &NodeEvent{EventID: "ev-1", Type: NodeEventStart, NodeExecutionID: "ne-1", NotifyID: "n-1", Ambiance: testAmbiance(t), Start: &StartPayload{}}
	target := ev.Target()
	if err := svc.HandleStepResponse(ctx, target, &engine.StepResponse{Status: engine.StatusSucceeded}); err != nil {
		t.Fatalf("HandleStepResponse() error = %v", err)
	}
	if err := svc.HandleProgress(ctx, target, json.RawMessage(`{"pct":50}`)); err != nil {
		t.Fatalf("HandleProgress() error = %v", err)
	}

	msgs, err := q.Receive(ctx, TopicResponseEvents, 10, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	var types []ResponseEventType
	var ids []string
	for _, m := range msgs {
		got, err := DecodeResponseEvent(m.Payload)
		if err != nil {
			t.Fatalf("DecodeResponseEvent() error = %v", err)
		}
		if got.NodeExecutionID != "ne-1" || got.NotifyID != "n-1" {
			t.Errorf("addressing = %s/%s", got.NodeExecutionID, got.NotifyID)
		}
		types = append(types, got.Type)
		ids = append(ids, got.EventID)
	}
	if diff := cmp.Diff([]ResponseEventType{EventHandleStepResponse, EventHandleProgress}, types); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}

	// Handling the same node event again yields the same event ids.
	replay := ev.Target()
	if got := replay.nextEventID(EventHandleStepResponse); got != ids[0] {
		t.Errorf("replayed event id = %s, want %s", got, ids[0])
	}
}

func TestNodeEventPublisherDelay(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	p := NewNodeEventPublisher(q)

	ev := &NodeEvent{Type: NodeEventFacilitate, NodeExecutionID: "ne-1", Ambiance: testAmbiance(t), Facilitate: &FacilitatePayload{}}
	if err := p.Publish(ctx, ev, time.Hour); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if ev.EventID == "" {
		t.Error("Publish() did not assign an event id")
	}
	msgs, _ := q.Receive(ctx, TopicNodeEvents, 10, time.Minute)
	if len(msgs) != 0 {
		t.Errorf("delayed event visible immediately")
	}
	if q.Len(TopicNodeEvents) != 1 {
		t.Errorf("Len() = %d, want 1", q.Len(TopicNodeEvents))
	}
}

func TestParseParams(t *testing.T) {
	var p struct {
		Count int `json:"count"`
	}
	p.Count = 3
	if err := ParseParams(nil, &p); err != nil || p.Count != 3 {
		t.Errorf("ParseParams(nil) = %v, count %d", err, p.Count)
	}
	if err := ParseParams(json.RawMessage(`{"count":5}`), &p); err != nil || p.Count != 5 {
		t.Errorf("ParseParams() = %v, count %d", err, p.Count)
	}
	if err := ParseParams(json.RawMessage(`{`), &p); err == nil {
		t.Error("ParseParams() accepted invalid json")
	}
}
