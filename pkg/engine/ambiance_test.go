package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testAmbiance(t *testing.T, levels ...Level) *Ambiance {
	t.Helper()
	a, err := NewAmbiance("pe-1", "plan-1", map[string]string{SetupAccountID: "acc"})
	if err != nil {
		t.Fatalf("NewAmbiance() error = %v", err)
	}
	for _, l := range levels {
		a = a.CloneForChild(l)
	}
	return a
}

func level(id, group string) Level {
	return Level{SetupID: "setup-" + id, RuntimeID: id, Identifier: id, Group: group}
}

func TestNewAmbiance(t *testing.T) {
	if _, err := NewAmbiance("", "plan", nil); err == nil {
		t.Error("NewAmbiance() accepted an empty plan execution id")
	}
	if _, err := NewAmbiance("pe", "", nil); err == nil {
		t.Error("NewAmbiance() accepted an empty plan id")
	}

	setup := map[string]string{SetupAccountID: "acc"}
	a, err := NewAmbiance("pe", "plan", setup)
	if err != nil {
		t.Fatalf("NewAmbiance() error = %v", err)
	}
	setup[SetupAccountID] = "changed"
	if a.AccountID() != "acc" {
		t.Errorf("AccountID() = %s, want acc", a.AccountID())
	}
	if a.CurrentLevel() != nil || a.CurrentRuntimeID() != "" {
		t.Error("root ambiance has a current level")
	}
}

func TestAmbiancePaths(t *testing.T) {
	a := testAmbiance(t,
		level("p", GroupPipeline),
		level("s", GroupStage),
		level("x", GroupStep),
	)

	if got := a.RuntimePath(); got != "p/s/x" {
		t.Errorf("RuntimePath() = %s, want p/s/x", got)
	}
	if diff := cmp.Diff([]string{"p/s/x", "p/s", "p"}, a.PathPrefixes()); diff != "" {
		t.Errorf("PathPrefixes() mismatch (-want +got):\n%s", diff)
	}
	if a.CurrentIdentifier() != "x" || a.CurrentSetupID() != "setup-x" {
		t.Errorf("current level = %s/%s", a.CurrentIdentifier(), a.CurrentSetupID())
	}

	tests := []struct {
		group   string
		want    string
		wantErr bool
	}{
		{group: "", want: "p/s/x"},
		{group: GroupStage, want: "p/s"},
		{group: GroupPipeline, want: "p"},
		{group: GroupStages, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			got, err := a.ScopePath(tt.group)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ScopePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ScopePath() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAmbianceClonesAreIndependent(t *testing.T) {
	meta := &StrategyMetadata{CurrentIteration: 1, TotalIterations: 2, MatrixValues: map[string]string{"os": "linux"}}
	parent := testAmbiance(t, level("p", GroupPipeline))
	child := parent.CloneForChild(Level{SetupID: "s", RuntimeID: "c", Identifier: "c", StrategyMetadata: meta})

	if len(parent.Levels) != 1 {
		t.Errorf("parent has %d levels after CloneForChild, want 1", len(parent.Levels))
	}
	meta.MatrixValues["os"] = "windows"
	if got := child.CurrentLevel().StrategyMetadata.MatrixValues["os"]; got != "linux" {
		t.Errorf("child metadata = %s, want linux", got)
	}

	sibling := child.CloneForFinish()
	if sibling.RuntimePath() != "p" {
		t.Errorf("CloneForFinish() path = %s, want p", sibling.RuntimePath())
	}
	if got := parent.CloneToDepth(-1); len(got.Levels) != 0 {
		t.Errorf("CloneToDepth(-1) kept %d levels", len(got.Levels))
	}

	moved := child.WithPlanExecution("pe-2", "plan-2")
	if moved.PlanExecutionID != "pe-2" || child.PlanExecutionID != "pe-1" {
		t.Errorf("WithPlanExecution() = %s, original %s", moved.PlanExecutionID, child.PlanExecutionID)
	}
}

func TestAmbianceValidate(t *testing.T) {
	if err := testAmbiance(t, level("a", GroupStage), level("b", GroupStep)).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := testAmbiance(t, level("a", GroupStage), level("a", GroupStep)).Validate(); err == nil {
		t.Error("Validate() accepted a repeated runtime id")
	}
	if err := testAmbiance(t, Level{RuntimeID: "a"}).Validate(); err == nil {
		t.Error("Validate() accepted a level without setup id")
	}
	var nilAmbiance *Ambiance
	if err := nilAmbiance.Validate(); err == nil {
		t.Error("Validate() accepted a nil ambiance")
	}
}

func TestMatchesStrategyStack(t *testing.T) {
	withMeta := func(iter int) Level {
		l := level("loop", GroupStep)
		l.StrategyMetadata = &StrategyMetadata{CurrentIteration: iter, TotalIterations: 3}
		return l
	}

	a := testAmbiance(t, level("s", GroupStage), withMeta(0))
	b := testAmbiance(t, level("s2", GroupStage), withMeta(0))
	c := testAmbiance(t, level("s", GroupStage), withMeta(1))
	plain := testAmbiance(t, level("s", GroupStage))

	if !a.HasStrategyMetadata() || plain.HasStrategyMetadata() {
		t.Error("HasStrategyMetadata() mismatch")
	}
	if !a.MatchesStrategyStack(b) {
		t.Error("same iteration under different runtime ids should match")
	}
	if a.MatchesStrategyStack(c) {
		t.Error("different iterations should not match")
	}
	if a.MatchesStrategyStack(plain) {
		t.Error("strategy and plain ambiances should not match")
	}
}
