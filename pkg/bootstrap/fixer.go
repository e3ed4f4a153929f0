package bootstrap

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/patternforge/patternforge/pkg/compiler"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/validation"
)

var (
	fixLine  = regexp.MustCompile(`(?im)^\s*fix:\s*(.+?)\s*$`)
	backtick = regexp.MustCompile("`([^`]+)`")
)

// FixCommand extracts a command from remediation text: the rest of a
// "fix: <command>" line, else the first backtick-quoted span. A command
// wrapped in backticks after "fix:" is unwrapped.
func FixCommand(remediation string) (string, bool) {
	if m := fixLine.FindStringSubmatch(remediation); m != nil {
		cmd := m[1]
		if b := backtick.FindStringSubmatch(cmd); b != nil && strings.HasPrefix(cmd, "`") {
			cmd = b[1]
		}
		cmd = strings.TrimSpace(cmd)
		return cmd, cmd != ""
	}
	if m := backtick.FindStringSubmatch(remediation); m != nil {
		cmd := strings.TrimSpace(m[1])
		return cmd, cmd != ""
	}
	return "", false
}

// RemediationFixer turns the remediation text of failed checks into graph
// changes. A fix command whose operation (its leading words, such as
// "kubectl apply") matches an existing task replaces the last such task's
// command, and that task becomes retryable. Any other fix command is
// appended as a task of a trailing remediation phase that runs after every
// deployment task. Failed checks are processed in report order and a fix
// command already present in the graph is not added again.
type RemediationFixer struct {
	// MinRetries is the retry budget given to rewritten tasks.
	MinRetries int

	// BackoffSeconds is the backoff step given to rewritten tasks that have none.
	BackoffSeconds int

	// PhaseName names the remediation phase.
	PhaseName string
}

// NewRemediationFixer creates a fixer with one retry and a 5s backoff.
func NewRemediationFixer() *RemediationFixer {
	return &RemediationFixer{MinRetries: 1, BackoffSeconds: 5, PhaseName: "remediation"}
}

// Fix implements Fixer. The input graph is not modified.
func (f *RemediationFixer) Fix(report *validation.Report, graph *engine.TaskGraph) (*engine.TaskGraph, []Fix, error) {
	if report == nil || graph == nil {
		return nil, nil, engine.NewPermanentError("fixer requires a report and a graph", nil).
			WithCode(engine.ErrCodeValidation)
	}

	nodes := make([]*engine.TaskNode, 0, len(graph.Order))
	existing := make(map[string]bool, len(graph.Order))
	lastPhase := 0
	for _, id := range graph.Order {
		n := graph.Nodes[id].Clone()
		nodes = append(nodes, n)
		existing[n.Command] = true
		if n.Phase > lastPhase {
			lastPhase = n.Phase
		}
	}

	fixes := make([]Fix, 0)
	var appended []*engine.TaskNode
	remediationPhase := lastPhase + 1
	if last := lastRemediationPhase(nodes, f.PhaseName); last > 0 {
		remediationPhase = last
	}

	for _, check := range report.Failed() {
		cmd, ok := FixCommand(check.Remediation)
		if !ok || existing[cmd] {
			continue
		}

		if target := f.rewriteTarget(nodes, cmd); target != nil {
			fixes = append(fixes, Fix{
				CheckID: check.ID,
				Action:  FixRewrite,
				TaskID:  target.ID,
				Before:  target.Command,
				After:   cmd,
			})
			delete(existing, target.Command)
			target.Command = cmd
			target.Retryable = true
			if target.MaxRetries < f.MinRetries {
				target.MaxRetries = f.MinRetries
			}
			if target.RetryBackoffSeconds == 0 {
				target.RetryBackoffSeconds = f.BackoffSeconds
			}
			existing[cmd] = true
			continue
		}

		index := countPhase(nodes, remediationPhase) + len(appended) + 1
		node := &engine.TaskNode{
			ID:                  compiler.TaskID(remediationPhase, index),
			Phase:               remediationPhase,
			PhaseName:           f.PhaseName,
			Index:               index,
			Command:             cmd,
			Description:         fmt.Sprintf("remediation for failed check %s", check.ID),
			DependsOn:           make([]string, 0),
			Retryable:           true,
			MaxRetries:          f.MinRetries,
			RetryBackoffSeconds: f.BackoffSeconds,
			TimeoutSeconds:      compiler.DefaultDefaults().TimeoutSeconds,
		}
		appended = append(appended, node)
		existing[cmd] = true
		fixes = append(fixes, Fix{CheckID: check.ID, Action: FixAppend, TaskID: node.ID, After: cmd})
	}

	if len(appended) > 0 {
		// Remediation tasks run after every earlier task has finished, one at a time.
		var prev *engine.TaskNode
		if remediationPhase != lastPhase+1 {
			prev = lastOfPhase(nodes, remediationPhase)
		}
		for _, node := range appended {
			if prev != nil {
				node.DependsOn = append(node.DependsOn, prev.ID)
			} else {
				for _, dep := range nodes {
					if dep.Phase != lastPhase {
						continue
					}
					if dep.CanFailSafely {
						node.After = append(node.After, dep.ID)
					} else {
						node.DependsOn = append(node.DependsOn, dep.ID)
					}
				}
			}
			nodes = append(nodes, node)
			prev = node
		}
	}

	next, err := engine.NewDAGBuilder().BuildGraph(nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("fixed graph is invalid: %w", err)
	}
	next.PatternID = graph.PatternID
	next.PatternVersion = graph.PatternVersion
	next.Platform = graph.Platform

	return next, fixes, nil
}

// rewriteTarget returns the last task outside the remediation phase that
// performs the same operation as cmd.
func (f *RemediationFixer) rewriteTarget(nodes []*engine.TaskNode, cmd string) *engine.TaskNode {
	op := operation(cmd)
	if op == "" || !strings.Contains(op, " ") {
		return nil
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		if nodes[i].PhaseName == f.PhaseName {
			continue
		}
		if operation(nodes[i].Command) == op {
			return nodes[i]
		}
	}
	return nil
}

// operation returns the leading words of a command that name what it does,
// up to three and stopping at the first flag or argument-like word.
func operation(cmd string) string {
	fields := strings.Fields(cmd)
	words := make([]string, 0, 3)
	for _, w := range fields {
		if len(words) == 3 || strings.HasPrefix(w, "-") || strings.ContainsAny(w, "/=.:$\"'") {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func lastRemediationPhase(nodes []*engine.TaskNode, name string) int {
	phase := 0
	for _, n := range nodes {
		if n.PhaseName == name && n.Phase > phase {
			phase = n.Phase
		}
	}
	return phase
}

func countPhase(nodes []*engine.TaskNode, phase int) int {
	n := 0
	for _, node := range nodes {
		if node.Phase == phase {
			n++
		}
	}
	return n
}

func lastOfPhase(nodes []*engine.TaskNode, phase int) *engine.TaskNode {
	var last *engine.TaskNode
	for _, n := range nodes {
		if n.Phase == phase {
			last = n
		}
	}
	return last
}
