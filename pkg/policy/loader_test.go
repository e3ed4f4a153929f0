package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/engine"
)

const customRego = `# Blocks deployments that disable TLS verification.
# Applies to every platform.
# severity: critical
package custom.tls

import rego.v1

deny contains msg if {
	input.operation == "command"
	contains(input.task.command, "--insecure-skip-tls-verify")
	msg := "TLS verification must stay enabled"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tls.rego")
	writeFile(t, path, customRego)

	p, err := NewLoader(zerolog.Nop()).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if p.Name != "tls" {
		t.Errorf("Expected name tls, got %s", p.Name)
	}
	if p.Description != "Blocks deployments that disable TLS verification. Applies to every platform." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", p.Severity)
	}
	if !p.Enabled || p.Builtin {
		t.Errorf("Expected an enabled, non built-in policy: %+v", p)
	}
	if p.Source != path {
		t.Errorf("Expected source %s, got %s", path, p.Source)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.json")
	writeFile(t, path, `{
  "description": "Floating tags are not allowed",
  "severity": "warning",
  "builtin": true,
  "rego": "package custom.images\n\nimport rego.v1\n\ndeny contains msg if {\n\tcontains(input.task.command, \":latest\")\n\tmsg := \"floating tag\"\n}\n"
}`)

	p, err := NewLoader(zerolog.Nop()).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if p.Name != "images" {
		t.Errorf("Expected the file name as policy name, got %s", p.Name)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", p.Severity)
	}
	if p.Builtin {
		t.Error("Loaded policies are never built-in")
	}
	if !p.Enabled {
		t.Error("Expected the policy to default to enabled")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	writeFile(t, filepath.Join(dir, "bad.json"), "{not json")
	if _, err := loader.LoadFile(filepath.Join(dir, "bad.json")); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected VALIDATION_ERROR for malformed JSON, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "empty.json"), `{"name": "empty"}`)
	if _, err := loader.LoadFile(filepath.Join(dir, "empty.json")); err == nil {
		t.Error("Expected an error for a policy without rego")
	}

	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	if _, err := loader.LoadFile(filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("Expected an error for an unsupported file type")
	}

	if _, err := loader.LoadFile(filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestLoadFromPaths_Recursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tls.rego"), customRego)
	writeFile(t, filepath.Join(dir, "nested", "deep", "other.rego"), "package custom.other\n")
	writeFile(t, filepath.Join(dir, "README.md"), "# policies")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "other" || policies[1].Name != "tls" {
		t.Errorf("Expected lexical file order, got %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "tls.rego"), customRego)
	writeFile(t, filepath.Join(dir, "b", "tls.rego"), customRego)

	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if !engine.IsConflict(err) {
		t.Errorf("Expected a conflict, got %v", err)
	}
}

func TestLoadFromPaths_NonExistent(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/nonexistent/policies"})
	if err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tls.rego"), customRego)

	eng := newTestEngine(t)
	ctx := context.Background()

	n, err := eng.LoadPolicies(ctx, []string{dir})
	if err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 policy, got %d", n)
	}

	err = eng.Check(ctx, "kubernetes", task("p1-c1", "kubectl apply --insecure-skip-tls-verify -f app.yaml"))
	if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
		t.Fatalf("Expected POLICY_DENIED, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains")
	if _, err := eng.LoadPolicies(ctx, []string{dir}); err == nil {
		t.Fatal("Expected the broken policy to fail the load")
	}
	if _, err := eng.GetPolicy("tls"); err != nil {
		t.Errorf("Expected the previous policies to survive a failed load: %v", err)
	}
	if len(eng.ListPolicies()) != 6 {
		t.Errorf("Expected 6 policies, got %d", len(eng.ListPolicies()))
	}
}

func TestEngine_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tls.rego"), customRego)

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "images.rego"), `package custom.images

import rego.v1

deny contains msg if {
	contains(input.task.command, ":latest")
	msg := "floating tag"
}
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("images"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected the new policy to be loaded by the watcher")
}

func TestEngine_CloseStopsWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tls.rego"), customRego)

	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("Expected a second Close to be a no-op, got: %v", err)
	}

	writeFile(t, filepath.Join(dir, "images.rego"), "package custom.images\n\nimport rego.v1\n\ndeny contains msg if {\n\tmsg := \"x\"\n}\n")
	time.Sleep(2 * reloadDelay)
	if _, err := eng.GetPolicy("images"); err == nil {
		t.Error("Expected no reload after Close")
	}
}
