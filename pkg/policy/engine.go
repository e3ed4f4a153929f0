package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/engine"
)

// Engine evaluates Rego policies. It guards compiled commands (it implements
// compiler.CommandGuard) and decides whether a successful run needs human
// approval (it implements bootstrap.ApprovalPolicy).
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy holds the prepared queries of one policy.
type compiledPolicy struct {
	policy   *Policy
	pkg      string
	deny     rego.PreparedEvalQuery
	approval rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Check implements compiler.CommandGuard. A blocking violation is returned
// as a permanent POLICY_DENIED error.
func (e *Engine) Check(ctx context.Context, platform string, node *engine.TaskNode) error {
	decision, err := e.EvaluateCommand(ctx, platform, node)
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("task_id", node.ID).Msg(w.Message)
	}

	if decision.Allowed {
		return nil
	}

	messages := make([]string, len(decision.Violations))
	for i, v := range decision.Violations {
		messages[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewPermanentError("command denied by policy", nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(node.ID).
		WithDetail("violations", messages)
}

// EvaluateCommand evaluates the deny rules of every enabled policy against a
// compiled command.
func (e *Engine) EvaluateCommand(ctx context.Context, platform string, node *engine.TaskNode) (*Decision, error) {
	input := CommandInput{
		Operation: OperationCommand,
		Platform:  platform,
		Task: TaskInput{
			ID:            node.ID,
			Phase:         node.Phase,
			PhaseName:     node.PhaseName,
			Command:       node.Command,
			Retryable:     node.Retryable,
			CanFailSafely: node.CanFailSafely,
		},
	}
	if node.Creates != nil {
		input.Task.Creates = &ResourceInput{
			Type:      node.Creates.Type,
			Name:      node.Creates.Name,
			Namespace: node.Creates.Namespace,
		}
	}

	start := time.Now()
	decision := &Decision{Allowed: true, Violations: make([]Violation, 0), Evaluated: make([]string, 0)}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cp := range e.enabled() {
		decision.Evaluated = append(decision.Evaluated, cp.policy.Name)

		values, err := evalSet(ctx, cp.deny, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, value := range values {
			v := violation(cp.policy, value)
			v.TaskID = node.ID
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(start)
	return decision, nil
}

// RequiresApproval implements bootstrap.ApprovalPolicy. Approval is required
// when any enabled policy yields an approval reason.
func (e *Engine) RequiresApproval(ctx context.Context, in bootstrap.ApprovalInput) (bool, string, error) {
	decision, err := e.EvaluateApproval(ctx, in)
	if err != nil {
		return false, "", err
	}
	if len(decision.Reasons) == 0 {
		return false, "", nil
	}
	return true, strings.Join(decision.Reasons, "; "), nil
}

// EvaluateApproval evaluates the approval rules of every enabled policy.
func (e *Engine) EvaluateApproval(ctx context.Context, in bootstrap.ApprovalInput) (*Decision, error) {
	input := ApprovalInput{
		Operation:   OperationApproval,
		Environment: in.Environment,
		Platform:    in.Platform,
		PatternID:   in.PatternID,
		Generated:   in.Generated,
		Resources:   in.Resources,
		Iterations:  in.Iterations,
	}

	start := time.Now()
	decision := &Decision{Allowed: true, Violations: make([]Violation, 0), Evaluated: make([]string, 0)}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cp := range e.enabled() {
		decision.Evaluated = append(decision.Evaluated, cp.policy.Name)

		values, err := evalSet(ctx, cp.approval, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		for _, value := range values {
			decision.Reasons = append(decision.Reasons, fmt.Sprint(value))
		}
	}

	sort.Strings(decision.Reasons)
	decision.Duration = time.Since(start)
	return decision, nil
}

// enabled returns the enabled policies sorted by name. Caller holds mu.
func (e *Engine) enabled() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// evalSet evaluates a partial set rule and returns its members. An undefined
// rule yields no members.
func evalSet(ctx context.Context, query rego.PreparedEvalQuery, input interface{}) ([]interface{}, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if set, ok := result.Expressions[0].Value.([]interface{}); ok {
			out = append(out, set...)
		}
	}
	return out, nil
}

// violation converts a deny entry.
func violation(p *Policy, value interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch entry := value.(type) {
	case string:
		v.Message = entry
	case map[string]interface{}:
		if msg, ok := entry["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := entry["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if rem, ok := entry["remediation"].(string); ok {
			v.Remediation = rem
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}

	return v
}

// compile parses a policy and prepares its deny and approval queries.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to parse policy %s", p.Name), err).
			WithCode(engine.ErrCodeValidation)
	}
	pkg := module.Package.Path.String()

	deny, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to prepare policy %s", p.Name), err).
			WithCode(engine.ErrCodeValidation)
	}

	approval, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(pkg+".approval"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to prepare policy %s", p.Name), err).
			WithCode(engine.ErrCodeValidation)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}

	return &compiledPolicy{policy: p, pkg: pkg, deny: deny, approval: approval}, nil
}

// AddPolicy compiles and registers a policy, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, &p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = cp

	e.logger.Debug().Str("policy", p.Name).Str("package", cp.pkg).Msg("Policy compiled")
	return nil
}

// LoadPolicies loads .rego and .json policy files from paths and registers
// them. Nothing is registered if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) (int, error) {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return 0, err
	}
	if err := e.replace(ctx, policies); err != nil {
		return 0, err
	}
	return len(policies), nil
}

// Watch reloads the policies under paths when their files change, until ctx
// is cancelled. A reload that fails to compile keeps the previous policies.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// Close stops a running Watch.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// replace swaps every loaded (non built-in) policy for the given set.
func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return err
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, notFound(name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns every registered policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return notFound(name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func notFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}
