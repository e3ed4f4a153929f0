// Package policy evaluates Open Policy Agent (Rego) policies for deployments.
//
// Policies serve two decisions:
//
//   - Command guard: every compiled command is evaluated against the "deny"
//     rules before the graph can run. An error or critical entry rejects the
//     pattern with POLICY_DENIED, lower severities are logged as warnings.
//     Engine implements compiler.CommandGuard.
//   - Human approval: after a successful run, every "approval" rule entry is a
//     reason a human must approve the hand-over. Engine implements
//     bootstrap.ApprovalPolicy.
//
// # Input documents
//
// Deny rules see:
//
//	{"operation": "command", "platform": "kubernetes",
//	 "task": {"id": "p2-c1", "phase": 2, "phase_name": "deploy",
//	          "command": "kubectl apply -f app.yaml", "retryable": true,
//	          "can_fail_safely": false, "creates": {"type": "deployment", "name": "app"}}}
//
// Approval rules see:
//
//	{"operation": "approval", "environment": "production", "platform": "kubernetes",
//	 "pattern_id": "k8s-basic", "generated": false, "resources": 3, "iterations": 1}
//
// # Writing policies
//
//	# Blocks floating image tags.
//	# severity: error
//	package custom.images
//
//	import rego.v1
//
//	deny contains msg if {
//		input.operation == "command"
//		contains(input.task.command, ":latest")
//		msg := sprintf("%s deploys a floating image tag", [input.task.id])
//	}
//
// Files are loaded from .rego files (name from the file name, description and
// severity from the leading comments) or .json definitions with the Rego
// inline. Engine.Watch reloads them on change; a reload that fails to compile
// keeps the previous set. Built-in policies are always present and can be
// disabled by name.
package policy
