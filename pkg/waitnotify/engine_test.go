package waitnotify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recordingHandler struct {
	mu       sync.Mutex
	events   []string
	resumes  []map[string]Response
	errs     []map[string]Response
	failNext int
}

func (h *recordingHandler) OnResume(ctx context.Context, payload json.RawMessage, responses map[string]Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		return errors.New("publish failed")
	}
	h.events = append(h.events, "terminal:"+string(payload))
	h.resumes = append(h.resumes, responses)
	return nil
}

func (h *recordingHandler) OnError(ctx context.Context, payload json.RawMessage, responses map[string]Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "error:"+string(payload))
	h.errs = append(h.errs, responses)
	return nil
}

func (h *recordingHandler) OnProgress(ctx context.Context, payload json.RawMessage, correlationID string, data json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "progress:"+string(data))
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *recordingHandler) {
	t.Helper()
	e := New(NewMemoryStore(), nil, nil)
	h := &recordingHandler{}
	e.RegisterCallback("test.resume", h)
	e.RegisterProgressHandler("test.progress", h)
	return e, h
}

func TestProgressThenTerminalDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)

	notifyID := NewCorrelationID()
	_, err := e.WaitForAll(ctx,
		Callback{Type: "test.resume", Payload: json.RawMessage(`"node-1"`)},
		&Callback{Type: "test.progress"},
		notifyID)
	if err != nil {
		t.Fatalf("WaitForAll() error = %v", err)
	}

	for _, p := range []string{`1`, `2`} {
		if err := e.Progress(ctx, notifyID, json.RawMessage(p)); err != nil {
			t.Fatalf("Progress() error = %v", err)
		}
	}
	if err := e.Notify(ctx, notifyID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	// Late progress and a duplicate terminal are both dropped.
	if err := e.Progress(ctx, notifyID, json.RawMessage(`3`)); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if err := e.Notify(ctx, notifyID, json.RawMessage(`{"ok":false}`)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	want := []string{"progress:1", "progress:2", `terminal:"node-1"`}
	if diff := cmp.Diff(want, h.events); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if got := string(h.resumes[0][notifyID].Data); got != `{"ok":true}` {
		t.Errorf("terminal data = %s, want first write", got)
	}
}

func TestWaitForAllNeedsEveryID(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)

	a, b := NewCorrelationID(), NewCorrelationID()
	if _, err := e.WaitForAll(ctx, Callback{Type: "test.resume"}, nil, a, b); err != nil {
		t.Fatalf("WaitForAll() error = %v", err)
	}

	_ = e.Notify(ctx, a, nil)
	if len(h.events) != 0 {
		t.Fatalf("callback fired before every id responded: %v", h.events)
	}
	_ = e.NotifyError(ctx, b, json.RawMessage(`{"message":"task lost"}`))

	if diff := cmp.Diff([]string{"error:"}, h.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if !h.errs[0][b].Error || h.errs[0][a].Error {
		t.Errorf("error flags = %+v", h.errs[0])
	}
}

func TestWaitRegisteredAfterResponseFiresImmediately(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)

	id := NewCorrelationID()
	if err := e.Notify(ctx, id, json.RawMessage(`"early"`)); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if _, err := e.WaitForAll(ctx, Callback{Type: "test.resume", Payload: json.RawMessage(`"late"`)}, nil, id); err != nil {
		t.Fatalf("WaitForAll() error = %v", err)
	}
	if diff := cmp.Diff([]string{`terminal:"late"`}, h.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedCallbackIsRedelivered(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)
	h.failNext = 1

	id := NewCorrelationID()
	waitID, err := e.WaitForAll(ctx, Callback{Type: "test.resume"}, nil, id)
	if err != nil {
		t.Fatalf("WaitForAll() error = %v", err)
	}

	if err := e.Notify(ctx, id, nil); err == nil {
		t.Fatal("Notify() error = nil, want callback failure")
	}
	wi, _ := e.store.GetWaitInstance(ctx, waitID)
	if wi.Status != WaitStatusWaiting {
		t.Fatalf("status after failed callback = %s, want WAITING", wi.Status)
	}

	n, err := e.Reconcile(ctx, 10)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if n != 1 || len(h.events) != 1 {
		t.Errorf("Reconcile() delivered %d, events %v; want exactly one delivery", n, h.events)
	}
}

func TestConcurrentNotifyDeliversOnce(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = NewCorrelationID()
	}
	if _, err := e.WaitForAll(ctx, Callback{Type: "test.resume"}, nil, ids...); err != nil {
		t.Fatalf("WaitForAll() error = %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = e.Notify(ctx, id, nil)
			}()
		}
	}
	wg.Wait()

	if len(h.events) != 1 {
		t.Errorf("terminal deliveries = %d, want 1", len(h.events))
	}
}

func TestWaitForAllRejectsUnknownCallback(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.WaitForAll(context.Background(), Callback{Type: "nope"}, nil, "x"); err == nil {
		t.Error("WaitForAll() error = nil, want unknown callback error")
	}
	if _, err := e.WaitForAll(context.Background(), Callback{Type: "test.resume"}, nil); err == nil {
		t.Error("WaitForAll() error = nil, want missing id error")
	}
}

func TestWaitWithIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, h := newTestEngine(t)

	id := NewCorrelationID()
	for i := 0; i < 2; i++ {
		got, err := e.Wait(ctx, Callback{Type: "test.resume"}, []string{id}, WithWaitID("wait-1"))
		if err != nil {
			t.Fatalf("Wait() #%d error = %v", i, err)
		}
		if got != "wait-1" {
			t.Fatalf("Wait() id = %q, want wait-1", got)
		}
	}
	_ = e.Notify(ctx, id, nil)
	// A registration arriving after completion does not fire again.
	if _, err := e.Wait(ctx, Callback{Type: "test.resume"}, []string{id}, WithWaitID("wait-1")); err != nil {
		t.Fatalf("Wait() after completion error = %v", err)
	}

	if len(h.events) != 1 {
		t.Errorf("deliveries = %d, want 1", len(h.events))
	}
}
