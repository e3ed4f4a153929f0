package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patternforge/patternforge/pkg/engine"
)

// Response is a scripted command outcome.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	Delay    time.Duration
}

type rule struct {
	match     string
	responses []Response
	calls     int
}

// Fake is a recording CommandRunner that answers from scripted responses.
// Commands are matched by substring against rules in registration order; a
// rule's responses are returned in sequence and the last one repeats.
// Unmatched commands get the default response (exit 0).
type Fake struct {
	mu       sync.Mutex
	rules    []*rule
	fallback Response
	calls    []engine.CommandRequest
}

// NewFake creates a fake runner where every command succeeds.
func NewFake() *Fake {
	return &Fake{}
}

// On scripts the responses for commands containing match.
func (f *Fake) On(match string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	f.rules = append(f.rules, &rule{match: match, responses: responses})
	return f
}

// Fail scripts commands containing match to always exit with code.
func (f *Fake) Fail(match string, code int) *Fake {
	return f.On(match, Response{ExitCode: code, Stderr: "scripted failure"})
}

// Default sets the response for unmatched commands.
func (f *Fake) Default(r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = r
	return f
}

// Run implements engine.CommandRunner.
func (f *Fake) Run(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	resp := f.fallback
	for _, r := range f.rules {
		if strings.Contains(req.Command, r.match) {
			i := r.calls
			if i >= len(r.responses) {
				i = len(r.responses) - 1
			}
			resp = r.responses[i]
			r.calls++
			break
		}
	}
	f.mu.Unlock()

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &engine.CommandResult{ExitCode: -1, Duration: resp.Delay}, nil
		case <-timer.C:
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	return &engine.CommandResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: resp.Delay,
	}, nil
}

// Calls returns every request received, in order.
func (f *Fake) Calls() []engine.CommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.CommandRequest(nil), f.calls...)
}

// CallCount returns how many received commands contain match.
func (f *Fake) CallCount(match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.Command, match) {
			n++
		}
	}
	return n
}

// Commands returns the received command lines, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Command
	}
	return out
}
