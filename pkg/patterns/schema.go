package patterns

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// patternSchema is the fixed schema every pattern document is checked against.
const patternSchema = `
#Pattern: {
	id:           string & =~"^[a-z0-9][a-z0-9._-]*$"
	name:         string & !=""
	version:      string & =~"^v?[0-9]+(\\.[0-9]+){0,2}([-+][0-9A-Za-z.-]+)?$"
	platformType: string & =~"^[a-z0-9][a-z0-9._-]*$"
	family?:      "container-orchestration" | "container-runtime" | "serverless" | "virtual-machine" | "generic"
	description?: string

	authoritativeSources: *[] | [...#Source]
	deploymentPhases: [#Phase, ...#Phase]
	validationChecks: *[] | [...#Check]
	detectionHints:   *[] | [...#Hint]
}

#Source: {
	url:      string & =~"^https?://"
	priority: *0 | (int & >=0)
}

#Phase: {
	order: int & >=1
	name:  string & !=""
	commands: [...#Command]
}

#Command: {
	command:              string & !=""
	description?:         string
	expectedExitCode:     *0 | int
	retryable:            *false | bool
	parallelizable?:      bool
	canFailSafely?:       bool
	timeoutSeconds?:      int & >=0
	maxRetries?:          int & >=0
	retryBackoffSeconds?: int & >=0
	creates?:             #Creates
}

#Creates: {
	type:       string & !=""
	name:       string & !=""
	namespace?: string
	cleanup?:   string
	metadata?: {[string]: string}
}

#Check: {
	id:               string & !=""
	description?:     string
	command:          string & !=""
	expectedExitCode: *0 | int
	severity:         "critical" | "high" | "medium" | "low"
	remediation:      *"" | string
}

#Hint: {
	signal:  "file-exists" | "content-match"
	pattern: string & !=""
	file?:   string
	weight:  number & >=0 & <=1
}
`

// FieldError names the invalid or missing field of a rejected pattern.
type FieldError struct {
	// Field is the dotted path of the offending field (e.g., "deploymentPhases.0.name").
	Field string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Schema validates raw pattern documents against the CUE pattern schema.
// cue.Context is not safe for concurrent use, so access is serialized.
type Schema struct {
	mu      sync.Mutex
	ctx     *cue.Context
	pattern cue.Value
}

// NewSchema compiles the built-in pattern schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(patternSchema, cue.Filename("pattern.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile pattern schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Pattern"))
	if !def.Exists() {
		return nil, fmt.Errorf("pattern schema has no #Pattern definition")
	}

	return &Schema{ctx: ctx, pattern: def}, nil
}

// Unify checks a decoded document against the schema and decodes the result
// (with schema defaults applied) into a Pattern.
func (s *Schema) Unify(doc interface{}) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return nil, &FieldError{Message: fmt.Sprintf("failed to encode document: %v", err)}
	}

	unified := s.pattern.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, firstFieldError(err)
	}

	var p Pattern
	if err := unified.Decode(&p); err != nil {
		return nil, &FieldError{Message: fmt.Sprintf("failed to decode pattern: %v", err)}
	}

	return &p, nil
}

// firstFieldError converts the first CUE error into a FieldError.
func firstFieldError(err error) *FieldError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &FieldError{Message: err.Error()}
	}

	e := errs[0]
	path := make([]string, 0, len(e.Path()))
	for _, sel := range e.Path() {
		if strings.HasPrefix(sel, "#") {
			continue
		}
		path = append(path, sel)
	}

	format, args := e.Msg()
	return &FieldError{
		Field:   strings.Join(path, "."),
		Message: fmt.Sprintf(format, args...),
	}
}
