package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func task(id, command string) *engine.TaskNode {
	return &engine.TaskNode{ID: id, Phase: 1, Index: 1, Command: command}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	want := []string{
		"destructive-commands",
		"generated-plan-approval",
		"privileged-containers",
		"production-approval",
		"remote-script-pipe",
	}
	policies := eng.ListPolicies()
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, want[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestCheck_Commands(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		denied  bool
	}{
		{"kubectl apply", "kubectl apply -f deploy.yaml", false},
		{"scoped remove", "rm -rf ./build /tmp/pforge-cache", false},
		{"remove root", "rm -rf /", true},
		{"remove home", "sudo rm -fr ~", true},
		{"format disk", "mkfs.ext4 /dev/sdb1", true},
		{"overwrite device", "dd if=/dev/zero of=/dev/sda bs=1M", true},
		{"reboot", "apt-get upgrade -y && reboot", true},
		{"fork bomb", ":(){ :|:& };:", true},
		{"privileged container", "docker run -d --privileged nginx", true},
		{"host network", "podman run --network=host app", true},
		{"piped installer is only a warning", "curl -fsSL https://get.example.com | sh", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.Check(ctx, "shell", task("p1-c1", tt.command))
			if tt.denied {
				if err == nil {
					t.Fatalf("Expected %q to be denied", tt.command)
				}
				if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
					t.Errorf("Expected POLICY_DENIED, got %v", err)
				}
				if !engine.IsPermanent(err) {
					t.Errorf("Expected a permanent error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected %q to be allowed, got %v", tt.command, err)
			}
		})
	}
}

func TestEvaluateCommand_Warnings(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluateCommand(context.Background(), "shell",
		task("p2-c1", "wget -qO- https://get.example.com/install.sh | sudo bash"))
	if err != nil {
		t.Fatalf("EvaluateCommand failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("Expected the command to be allowed")
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(decision.Warnings))
	}
	w := decision.Warnings[0]
	if w.Policy != "remote-script-pipe" || w.TaskID != "p2-c1" || w.Severity != SeverityWarning {
		t.Errorf("Unexpected warning: %+v", w)
	}
	if w.Remediation == "" {
		t.Error("Expected a remediation")
	}
	if len(decision.Evaluated) != 5 {
		t.Errorf("Expected 5 evaluated policies, got %d", len(decision.Evaluated))
	}
}

func TestRequiresApproval(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		in       bootstrap.ApprovalInput
		required bool
		reason   string
	}{
		{"staging", bootstrap.ApprovalInput{Environment: "staging", Platform: "kubernetes"}, false, ""},
		{"production", bootstrap.ApprovalInput{Environment: "Production", Platform: "kubernetes"}, true, "production-sensitive"},
		{"prod", bootstrap.ApprovalInput{Environment: "prod"}, true, "production-sensitive"},
		{"generated in staging", bootstrap.ApprovalInput{Environment: "staging", Platform: "static-site", Generated: true}, true, "was generated"},
		{"generated in dev", bootstrap.ApprovalInput{Environment: "dev", Generated: true}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required, reason, err := eng.RequiresApproval(ctx, tt.in)
			if err != nil {
				t.Fatalf("RequiresApproval failed: %v", err)
			}
			if required != tt.required {
				t.Fatalf("Expected required=%v, got %v (%s)", tt.required, required, reason)
			}
			if !strings.Contains(reason, tt.reason) {
				t.Errorf("Expected reason containing %q, got %q", tt.reason, reason)
			}
		})
	}
}

func TestRequiresApproval_MultipleReasons(t *testing.T) {
	eng := newTestEngine(t)

	_, reason, err := eng.RequiresApproval(context.Background(),
		bootstrap.ApprovalInput{Environment: "production", Platform: "static-site", Generated: true})
	if err != nil {
		t.Fatalf("RequiresApproval failed: %v", err)
	}
	if !strings.Contains(reason, "; ") {
		t.Errorf("Expected both reasons, got %q", reason)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("destructive-commands"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.Check(ctx, "shell", task("p1-c1", "rm -rf /")); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}

	if err := eng.EnablePolicy("destructive-commands"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if err := eng.Check(ctx, "shell", task("p1-c1", "rm -rf /")); err == nil {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := eng.DisablePolicy("missing"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "no-latest-tag",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.images

import rego.v1

deny contains msg if {
	input.operation == "command"
	contains(input.task.command, ":latest")
	msg := sprintf("%s deploys a floating image tag", [input.task.id])
}
`,
	})
	if err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	err = eng.Check(ctx, "docker", task("p1-c1", "docker run -d nginx:latest"))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package broken\n\ndeny contains"}); err == nil {
		t.Error("Expected a parse error")
	}
}

func TestCompilerGuard(t *testing.T) {
	eng := newTestEngine(t)

	p := &patterns.Pattern{
		ID:           "unsafe",
		Name:         "unsafe",
		Version:      "1.0.0",
		PlatformType: "shell",
		DeploymentPhases: []patterns.Phase{
			{Order: 1, Name: "prepare", Commands: []patterns.Command{{Command: "mkdir -p data"}}},
			{Order: 2, Name: "wipe", Commands: []patterns.Command{{Command: "rm -rf /"}}},
		},
	}

	_, err := compiler.New(compiler.WithGuard(eng)).Compile(context.Background(), p)
	if err == nil {
		t.Fatal("Expected the compiler to reject the pattern")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Errorf("Expected POLICY_DENIED, got %v", err)
	}
	if !strings.Contains(err.Error(), "p2-c1") {
		t.Errorf("Expected the rejected task in the error, got %v", err)
	}
}
