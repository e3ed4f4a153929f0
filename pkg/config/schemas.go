package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// ConfigSchemaName is the registry name of the configuration schema.
const ConfigSchemaName = "config"

// SchemaRegistry manages CUE schemas for validation. Documents checked
// against a schema are compiled on the registry's context, so all CUE
// work is serialized here.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(ConfigSchemaName, builtinConfigSchema, "#Config"); err != nil {
		return nil, err
	}
	return sr, nil
}

// RegisterSchema compiles source and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no %s definition", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema checks decoded data (maps, slices and scalars)
// against a named schema and returns the result, defaults filled in, as JSON.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName, file string, data interface{}) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return nil, &LoadError{File: file, Errors: convertCUEErrors(file, err)}
	}
	return export(schema.Unify(dataVal), file)
}

// ValidateCUE compiles CUE source and checks it against a named schema.
// The result is returned as JSON with defaults filled in.
func (sr *SchemaRegistry) ValidateCUE(schemaName, file string, src []byte) ([]byte, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema %s not found", schemaName)
	}

	val := sr.ctx.CompileBytes(src, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, &LoadError{File: file, Errors: convertCUEErrors(file, err)}
	}
	return export(schema.Unify(val), file)
}

func export(unified cue.Value, file string) ([]byte, error) {
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{File: file, Errors: convertCUEErrors(file, err)}
	}
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{File: file, Errors: convertCUEErrors(file, err)}
	}
	return data, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(file string, err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		}
		// positions inside the schema are not useful to the user
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == file {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

// Schema returns the CUE source of the configuration schema.
func Schema() string {
	return builtinConfigSchema
}

const builtinConfigSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	patterns: {
		dir:   *"patterns" | (string & !="")
		watch: *false | bool
	}

	detection: {
		threshold:     *0.6 | (number & >=0 & <=1)
		max_depth:     *4 | (int & >=1)
		max_file_size: *262144 | (int & >=1)
		skip_dirs:     *[".git", "node_modules", "vendor"] | [...string]
		concurrency:   *4 | (int & >=1)
	}

	execution: {
		runner:                *"local" | "ssh"
		shell:                 *"/bin/sh" | (string & !="")
		max_concurrency:       *4 | (int & >=1)
		global_timeout:        *"30m" | #Duration
		abort_on_critical:     *true | bool
		max_retries:           *0 | (int & >=0)
		retry_backoff_seconds: *5 | (int & >=0)
		timeout_seconds:       *300 | (int & >=1)
	}

	loop: {
		max_iterations: *3 | (int & >=1)
		auto_fix:       *false | bool
		environment:    *"development" | (string & !="")
		artifacts_dir:  *".pforge/artifacts" | (string & !="")
	}

	validation: {
		strict:        *false | bool
		concurrency:   *4 | (int & >=1)
		check_timeout: *"1m" | #Duration
	}

	store: {
		path:              *".pforge/history.db" | (string & !="")
		max_open_conns:    *8 | (int & >=1)
		max_idle_conns:    *2 | (int & >=0)
		conn_max_lifetime: *"5m" | #Duration
	}

	telemetry: {
		service_name: *"pforge" | (string & !="")
		logging: {
			level:  *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
			format: *"console" | "json"
			output: *"stderr" | (string & !="")
		}
		tracing: {
			enabled:       *false | bool
			exporter:      *"none" | "otlp" | "stdout"
			endpoint:      *"localhost:4317" | string
			sampling_rate: *1.0 | (number & >=0 & <=1)
			insecure:      *true | bool
		}
		metrics: {
			enabled:        *true | bool
			listen_address: *"" | string
			path:           *"/metrics" | (string & =~"^/")
			namespace:      *"pforge" | (string & !="")
		}
		events: {
			enabled:     *true | bool
			buffer_size: *1000 | (int & >=1)
		}
	}

	fallback: {
		enabled:      *false | bool
		api_key?:     string
		base_url?:    string & =~"^https?://"
		model:        *"gpt-4o-mini" | (string & !="")
		temperature:  *0.2 | (number & >=0 & <=2)
		max_tokens:   *0 | (int & >=0)
		max_attempts: *2 | (int & >=1)
	}

	ssh: {
		host:                     *"" | string
		port:                     *22 | (int & >=1 & <=65535)
		user:                     *"" | string
		auth_method:              *"key" | "password" | "agent"
		private_key_path:         *"" | string
		agent_socket:             *"" | string
		known_hosts_path:         *"" | string
		strict_host_key_checking: *true | bool
		connection_timeout:       *"30s" | #Duration
		keep_alive_interval:      *"0s" | #Duration
		work_dir:                 *"" | string
		artifact_dir:             *"/tmp/pforge" | string
		proxy_host:               *"" | string
		proxy_port:               *22 | (int & >=1 & <=65535)
		proxy_user:               *"" | string
		proxy_private_key_path:   *"" | string
	}

	policy: {
		enabled:  *true | bool
		paths:    *[] | [...string]
		disabled: *[] | [...string]
		watch:    *false | bool
		approval_environments: *["prod", "production"] | [...string]
	}
}
`
