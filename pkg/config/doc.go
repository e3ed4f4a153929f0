// Package config loads the pforge configuration file.
//
// # Overview
//
// A configuration is read from pforge.cue or pforge.yaml (Find looks for
// both). Either format is unified with the embedded #Config CUE schema, so
// omitted fields take the schema defaults and unknown fields are rejected.
// The result is decoded into Config and checked again with validator struct
// tags and the rules that span sections (an ssh runner needs a host, an
// enabled fallback needs a key).
//
// # Sections
//
//   - patterns: pattern library directory and hot reload
//   - detection: confidence threshold and walk bounds
//   - execution: runner (local or ssh), concurrency, timeouts, command defaults
//   - loop: iteration budget, auto-fix, target environment, artifact directory
//   - validation: strict mode, check concurrency and timeout
//   - store: SQLite run history
//   - telemetry: logging, tracing, metrics and events
//   - fallback: AI plan generator
//   - ssh: remote target
//   - policy: Rego policies and approval environments
//
// Durations are Go duration strings ("30s", "5m").
//
// # Secrets
//
// Secrets are never read from or written to the file:
//
//	PFORGE_OPENAI_API_KEY      fallback API key
//	PFORGE_SSH_PASSWORD        password for ssh.auth_method "password"
//	PFORGE_SSH_KEY_PASSPHRASE  passphrase of ssh.private_key_path
//
// # Usage Example
//
//	cfg, err := config.Load("pforge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	det := detector.New(store, detector.WithOptions(cfg.DetectorOptions()))
//	req := cfg.Request(projectPath)
//
// WriteDefault renders Default as YAML or, for a ".cue" path, as CUE.
package config
