package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestCheckpointRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{
		"sessionId": "swarm-20250826-120000-ab12cd34",
		"phase": "executing",
		"currentWave": 2,
		"taskStates": [{"id": "task-1", "description": "do it", "status": "completed", "complexity": 3, "type": "implement", "parallelizable": true, "wave": 0, "attempts": 1, "isFoundation": false}],
		"waves": [["task-1"]],
		"stats": {"totalTasks": 1, "completed": 1, "failed": 0, "skipped": 0, "inProgress": 0, "tokensUsed": 900, "costUsd": 0.02, "wavesCompleted": 1},
		"futureField": {"nested": [1, 2, 3]},
		"anotherNewThing": "keep me"
	}`

	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cp.SessionID != "swarm-20250826-120000-ab12cd34" || cp.CurrentWave != 2 {
		t.Errorf("known fields = %q / %d", cp.SessionID, cp.CurrentWave)
	}
	if len(cp.TaskStates) != 1 || cp.TaskStates[0].ID != "task-1" {
		t.Errorf("task states = %+v", cp.TaskStates)
	}
	if len(cp.Extra) != 2 {
		t.Fatalf("Extra = %v, want the two unknown fields", cp.Extra)
	}

	out, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(out)
	if !strings.Contains(text, `"futureField"`) || !strings.Contains(text, `"keep me"`) {
		t.Errorf("unknown fields lost on re-serialization: %s", text)
	}
	if !strings.Contains(text, `"sessionId":"swarm-20250826-120000-ab12cd34"`) {
		t.Errorf("known field lost: %s", text)
	}
}

func TestCheckpointMarshalWithoutExtra(t *testing.T) {
	cp := Checkpoint{SessionID: "s1", Phase: PhaseCompleted, Timestamp: time.Now().UTC()}
	out, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Checkpoint
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SessionID != "s1" || back.Phase != PhaseCompleted {
		t.Errorf("round trip = %+v", back)
	}
	if back.Extra != nil {
		t.Errorf("Extra should stay nil, got %v", back.Extra)
	}
}

func TestTaskResultHollow(t *testing.T) {
	cases := []struct {
		name   string
		result TaskResult
		hollow bool
	}{
		{"no tools, no output", TaskResult{}, true},
		{"no tools, short output", TaskResult{Output: "ok"}, true},
		{"no tools, long output", TaskResult{Output: strings.Repeat("x", 200)}, false},
		{"tools ran", TaskResult{ToolCalls: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.result.Hollow(); got != tc.hollow {
				t.Errorf("Hollow() = %v, want %v", got, tc.hollow)
			}
		})
	}
}

func TestSubtaskValidate(t *testing.T) {
	good := Subtask{ID: "a", Description: "work", Complexity: 5}
	if err := good.Validate(); err != nil {
		t.Errorf("valid subtask rejected: %v", err)
	}

	cases := []struct {
		name string
		sub  Subtask
	}{
		{"missing id", Subtask{Description: "work", Complexity: 5}},
		{"missing description", Subtask{ID: "a", Complexity: 5}},
		{"complexity too low", Subtask{ID: "a", Description: "work", Complexity: 0}},
		{"complexity too high", Subtask{ID: "a", Description: "work", Complexity: 11}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.sub.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStatusSemantics(t *testing.T) {
	if !StatusDecomposed.SatisfiesDependency() || !StatusCompleted.SatisfiesDependency() {
		t.Error("completed and decomposed must satisfy dependencies")
	}
	if StatusFailed.SatisfiesDependency() || StatusSkipped.SatisfiesDependency() {
		t.Error("failed and skipped must not satisfy dependencies")
	}
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusSkipped, StatusDecomposed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusReady, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestHasCyclicDependencies(t *testing.T) {
	cases := []struct {
		name  string
		tasks []Subtask
		want  bool
	}{
		{"empty", nil, false},
		{
			"chain",
			[]Subtask{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}, {ID: "c", Dependencies: []string{"b"}}},
			false,
		},
		{
			"self loop",
			[]Subtask{{ID: "a", Dependencies: []string{"a"}}},
			true,
		},
		{
			"two-node cycle",
			[]Subtask{{ID: "a", Dependencies: []string{"b"}}, {ID: "b", Dependencies: []string{"a"}}},
			true,
		},
		{
			"unknown dep is not a cycle",
			[]Subtask{{ID: "a", Dependencies: []string{"ghost"}}},
			false,
		},
		{
			"diamond",
			[]Subtask{
				{ID: "a"},
				{ID: "b", Dependencies: []string{"a"}},
				{ID: "c", Dependencies: []string{"a"}},
				{ID: "d", Dependencies: []string{"b", "c"}},
			},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasCyclicDependencies(tc.tasks); got != tc.want {
				t.Errorf("HasCyclicDependencies = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == b {
		t.Error("two session ids collided")
	}
	if !strings.HasPrefix(a, "swarm-") {
		t.Errorf("id %q missing prefix", a)
	}
	if len(strings.Split(a, "-")) != 4 {
		t.Errorf("id %q has unexpected shape", a)
	}
}
