package patterns

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/patternforge/patternforge/pkg/engine"
)

// Format is a pattern document encoding.
type Format string

const (
	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"

	// FormatJSON is a JSON document.
	FormatJSON Format = "json"
)

// FormatFromPath infers the document format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}

// Parser decodes and validates pattern documents.
type Parser struct {
	schema   *Schema
	validate *validator.Validate
}

// NewParser creates a parser with the built-in schema.
func NewParser() (*Parser, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Parser{schema: schema, validate: v}, nil
}

// Parse decodes a pattern document. source names the document in errors.
// A rejected document yields a permanent VALIDATION_ERROR naming the field.
func (p *Parser) Parse(data []byte, format Format, source string) (*Pattern, error) {
	var doc interface{}

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, invalid(source, &FieldError{Message: fmt.Sprintf("malformed JSON: %v", err)})
		}
		doc = normalizeNumbers(doc)
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, invalid(source, &FieldError{Message: fmt.Sprintf("malformed YAML: %v", err)})
		}
	default:
		return nil, invalid(source, &FieldError{Message: fmt.Sprintf("unsupported format %q", format)})
	}

	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, invalid(source, &FieldError{Message: "document must be a mapping"})
	}

	pattern, err := p.schema.Unify(doc)
	if err != nil {
		return nil, invalid(source, err)
	}

	if err := p.Validate(pattern); err != nil {
		return nil, invalid(source, err)
	}

	return pattern, nil
}

// Validate runs struct-level and semantic checks on a decoded pattern.
// Pattern values built in code (such as AI-generated plans) go through the
// schema by way of ValidateValue instead.
func (p *Parser) Validate(pattern *Pattern) error {
	if err := p.validate.Struct(pattern); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Pattern.")
			return &FieldError{Field: field, Message: fmt.Sprintf("failed %q constraint", fe.Tag())}
		}
		return &FieldError{Message: err.Error()}
	}

	checkIDs := make(map[string]bool, len(pattern.ValidationChecks))
	for i, check := range pattern.ValidationChecks {
		if checkIDs[check.ID] {
			return &FieldError{
				Field:   fmt.Sprintf("validationChecks.%d.id", i),
				Message: fmt.Sprintf("duplicate check id %q", check.ID),
			}
		}
		checkIDs[check.ID] = true
	}

	for i, hint := range pattern.DetectionHints {
		field := fmt.Sprintf("detectionHints.%d", i)
		switch hint.Signal {
		case SignalFileExists:
			if _, err := filepath.Match(hint.Pattern, ""); err != nil {
				return &FieldError{Field: field + ".pattern", Message: fmt.Sprintf("invalid glob: %v", err)}
			}
		case SignalContentMatch:
			if _, err := regexp.Compile(hint.Pattern); err != nil {
				return &FieldError{Field: field + ".pattern", Message: fmt.Sprintf("invalid regular expression: %v", err)}
			}
		}
		if hint.File != "" {
			if _, err := filepath.Match(hint.File, ""); err != nil {
				return &FieldError{Field: field + ".file", Message: fmt.Sprintf("invalid glob: %v", err)}
			}
		}
	}

	return nil
}

// ValidateValue checks a Pattern built in code against the full schema by
// round-tripping it through its JSON form.
func (p *Parser) ValidateValue(pattern *Pattern, source string) (*Pattern, error) {
	data, err := json.Marshal(withEmptyLists(*pattern))
	if err != nil {
		return nil, invalid(source, &FieldError{Message: fmt.Sprintf("failed to encode pattern: %v", err)})
	}
	return p.Parse(data, FormatJSON, source)
}

// normalizeNumbers turns JSON numbers into int64 where possible so integer
// fields unify with the schema's int constraints.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// withEmptyLists replaces nil slices so they encode as [] rather than null.
func withEmptyLists(p Pattern) Pattern {
	if p.AuthoritativeSources == nil {
		p.AuthoritativeSources = []Source{}
	}
	if p.ValidationChecks == nil {
		p.ValidationChecks = []Check{}
	}
	if p.DetectionHints == nil {
		p.DetectionHints = []Hint{}
	}
	phases := make([]Phase, len(p.DeploymentPhases))
	for i, phase := range p.DeploymentPhases {
		if phase.Commands == nil {
			phase.Commands = []Command{}
		}
		phases[i] = phase
	}
	p.DeploymentPhases = phases
	return p
}

// invalid wraps a field error into a permanent validation error.
func invalid(source string, err error) error {
	e := engine.NewPermanentError(fmt.Sprintf("invalid pattern %s", source), err).
		WithCode(engine.ErrCodeValidation).
		WithResource(source)

	var fe *FieldError
	if errors.As(err, &fe) && fe.Field != "" {
		e = e.WithDetail("field", fe.Field)
	}
	return e
}
