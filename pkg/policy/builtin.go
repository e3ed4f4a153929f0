package policy

// BuiltinPolicies returns the policies shipped with the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandsPolicy(),
		remoteScriptPolicy(),
		privilegedContainerPolicy(),
		productionApprovalPolicy(),
		generatedPlanApprovalPolicy(),
	}
}

// destructiveCommandsPolicy blocks commands that can destroy the host.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks commands that wipe filesystems, devices or the host",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"guard", "safety"},
		Rego: `package pforge.guard.destructive

import rego.v1

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+)+(/|~|/\*|\*)(\s|;|$)` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s removes a root or home directory: %s", [input.task.id, input.task.command]),
		"remediation": "remove only paths the deployment created",
	}
}

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `(^|[;&|]\s*)(sudo\s+)?mkfs(\.[a-z0-9]+)?\s` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s formats a filesystem", [input.task.id]),
	}
}

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `\bdd\s+.*of=/dev/(sd|nvme|hd|vd|xvd)` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s writes to a block device", [input.task.id]),
	}
}

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `(^|[;&|]\s*)(sudo\s+)?(shutdown|reboot|halt|poweroff)(\s|$)` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s shuts down the host", [input.task.id]),
	}
}

deny contains violation if {
	input.operation == "command"
	contains(input.task.command, ":(){")
	violation := {
		"message": sprintf("task %s contains a fork bomb", [input.task.id]),
	}
}
`,
	}
}

// remoteScriptPolicy warns about piping downloaded scripts into a shell.
func remoteScriptPolicy() Policy {
	return Policy{
		Name:        "remote-script-pipe",
		Description: "Warns when a downloaded script is piped into a shell",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"guard", "supply-chain"},
		Rego: `package pforge.guard.remote_script

import rego.v1

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s pipes a downloaded script into a shell", [input.task.id]),
		"remediation": "download the script, verify its checksum, then run it",
	}
}
`,
	}
}

// privilegedContainerPolicy blocks privileged containers on shared platforms.
func privilegedContainerPolicy() Policy {
	return Policy{
		Name:        "privileged-containers",
		Description: "Blocks privileged containers and host namespaces",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"guard", "containers"},
		Rego: `package pforge.guard.privileged

import rego.v1

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `\b(docker|podman)\s+(container\s+)?(run|create)\b.*--privileged` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s starts a privileged container", [input.task.id]),
		"remediation": "grant only the capabilities the workload needs with --cap-add",
	}
}

deny contains violation if {
	input.operation == "command"
	regex.match(` + "`" + `\b(docker|podman)\s+(container\s+)?(run|create)\b.*--(pid|network|ipc)[= ]host` + "`" + `, input.task.command)
	violation := {
		"message": sprintf("task %s shares a host namespace", [input.task.id]),
	}
}
`,
	}
}

// productionApprovalPolicy requires approval for production environments.
func productionApprovalPolicy() Policy {
	return Policy{
		Name:        "production-approval",
		Description: "Requires human approval before production deployments are handed over",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"approval"},
		Rego: `package pforge.approval.production

import rego.v1

sensitive := {"prod", "production"}

approval contains reason if {
	input.operation == "approval"
	lower(input.environment) in sensitive
	reason := sprintf("environment %s is production-sensitive", [input.environment])
}
`,
	}
}

// generatedPlanApprovalPolicy requires approval for generated plans outside
// development environments.
func generatedPlanApprovalPolicy() Policy {
	return Policy{
		Name:        "generated-plan-approval",
		Description: "Requires human approval for generated plans outside development environments",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"approval", "fallback"},
		Rego: `package pforge.approval.generated

import rego.v1

development := {"dev", "development", "local", "test"}

approval contains reason if {
	input.operation == "approval"
	input.generated
	not lower(input.environment) in development
	reason := sprintf("plan for %s was generated and has not been reviewed", [input.platform])
}
`,
	}
}
