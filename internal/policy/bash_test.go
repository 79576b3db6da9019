package policy

import (
	"testing"

	"github.com/harrison/overmind/internal/models"
)

func TestEvaluateBash_Disabled(t *testing.T) {
	p := Profile{BashMode: BashDisabled}
	d := EvaluateBash("ls", p, models.TypeImplement)
	if d.Allowed {
		t.Error("disabled mode allowed a command")
	}
	if d.Reason == "" {
		t.Error("denial carried no reason")
	}
}

func TestEvaluateBash_TaskScopedExpansion(t *testing.T) {
	p := Profile{BashMode: BashTaskScoped}

	// Implement tasks get read_only: single-file reads pass.
	d := EvaluateBash("cat internal/app/main.go", p, models.TypeImplement)
	if !d.Allowed {
		t.Errorf("task_scoped implement should allow file read: %s", d.Reason)
	}
	if d.ReadTarget != "internal/app/main.go" {
		t.Errorf("expected read target, got %q", d.ReadTarget)
	}

	// Research tasks get disabled.
	d = EvaluateBash("cat internal/app/main.go", p, models.TypeResearch)
	if d.Allowed {
		t.Error("task_scoped research should disable shell access")
	}
}

func TestEvaluateBash_ReadOnlyRejectsPipesAndWrites(t *testing.T) {
	p := Profile{BashMode: BashReadOnly}

	for _, cmd := range []string{
		"cat a.txt | grep foo",
		"cat a.txt > b.txt",
		"rm -rf /tmp/x",
		"echo hi",
	} {
		if d := EvaluateBash(cmd, p, models.TypeImplement); d.Allowed {
			t.Errorf("read_only allowed %q", cmd)
		}
	}
}

func TestEvaluateBash_FullWithWriteProtection(t *testing.T) {
	p := Profile{BashMode: BashFull, BashWriteProtection: WriteProtectionBlockFile}

	if d := EvaluateBash("go test ./...", p, models.TypeTest); !d.Allowed {
		t.Errorf("write protection blocked a non-mutating command: %s", d.Reason)
	}
	for _, cmd := range []string{
		"rm -rf build/",
		"echo data > out.txt",
		"sed -i s/a/b/ file.go",
		"go build && rm tmp.bin",
	} {
		if d := EvaluateBash(cmd, p, models.TypeImplement); d.Allowed {
			t.Errorf("write protection allowed %q", cmd)
		}
	}
}

func TestExtractReadTarget(t *testing.T) {
	cases := []struct {
		cmd    string
		target string
		ok     bool
	}{
		{"cat main.go", "main.go", true},
		{"head -n 20 README.md", "README.md", true},
		{"tail -n 5 logs/app.log", "logs/app.log", true},
		{"grep TODO internal/swarm/queue.go", "internal/swarm/queue.go", true},
		{"cat a.go b.go", "", false},
		{"cat", "", false},
		{"cat a.go > b.go", "", false},
		{"cat a.go | wc -l", "", false},
		{"curl http://example.com", "", false},
	}

	for _, tc := range cases {
		target, ok := ExtractReadTarget(tc.cmd)
		if ok != tc.ok || target != tc.target {
			t.Errorf("ExtractReadTarget(%q) = (%q, %v), want (%q, %v)",
				tc.cmd, target, ok, tc.target, tc.ok)
		}
	}
}
