package ledger

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/patternforge/patternforge/pkg/patterns"
)

// Templates maps a platform family and resource type to a text/template that
// renders an idempotent deletion command. The "" type is the family default.
// Templates see the Resource as dot and a "q" function that shell-quotes.
type Templates map[patterns.Family]map[string]string

// DefaultTemplates returns the built-in cleanup templates.
func DefaultTemplates() Templates {
	return Templates{
		patterns.FamilyContainerOrchestration: {
			"":             `kubectl delete {{q .Type}} {{q .Name}}{{if .Namespace}} -n {{q .Namespace}}{{end}} --ignore-not-found`,
			"helm-release": `helm uninstall {{q .Name}}{{if .Namespace}} -n {{q .Namespace}}{{end}} 2>/dev/null || true`,
		},
		patterns.FamilyContainerRuntime: {
			"":                `docker {{q .Type}} rm {{q .Name}} 2>/dev/null || true`,
			"container":       `docker rm -f {{q .Name}} 2>/dev/null || true`,
			"network":         `docker network rm {{q .Name}} 2>/dev/null || true`,
			"volume":          `docker volume rm -f {{q .Name}} 2>/dev/null || true`,
			"image":           `docker image rm -f {{q .Name}} 2>/dev/null || true`,
			"compose-project": `docker compose -p {{q .Name}} down --remove-orphans 2>/dev/null || true`,
		},
		patterns.FamilyServerless: {
			"":         `echo no cleanup template for {{q .Type}} {{q .Name}}, remove it manually >&2`,
			"function": `aws lambda delete-function --function-name {{q .Name}} 2>/dev/null || true`,
			"stack":    `aws cloudformation delete-stack --stack-name {{q .Name}}`,
			"service":  `serverless remove{{with index .Metadata "stage"}} --stage {{q .}}{{end}} 2>/dev/null || true`,
		},
		patterns.FamilyVirtualMachine: {
			"":         `echo no cleanup template for {{q .Type}} {{q .Name}}, remove it manually >&2`,
			"instance": `aws ec2 terminate-instances --instance-ids {{q .Name}} 2>/dev/null || true`,
			"vm":       `virsh destroy {{q .Name}} 2>/dev/null || true; virsh undefine {{q .Name}} 2>/dev/null || true`,
			"vagrant":  `vagrant destroy -f {{q .Name}} 2>/dev/null || true`,
		},
		patterns.FamilyGeneric: {
			"":          `echo no cleanup template for {{q .Type}} {{q .Name}}, remove it manually >&2`,
			"file":      `rm -f -- {{q .Name}}`,
			"directory": `rm -rf -- {{q .Name}}`,
			"systemd":   `systemctl disable --now {{q .Name}} 2>/dev/null || true`,
		},
	}
}

// tolerantSuffixes end override commands that already tolerate a missing
// resource.
var tolerantSuffixes = []string{"--ignore-not-found", "--ignore-not-found=true", "|| true", "|| :"}

// Renderer renders cleanup commands from parsed templates.
type Renderer struct {
	templates map[patterns.Family]map[string]*template.Template
}

// NewRenderer parses templates. Families missing from templates fall back to
// the generic family.
func NewRenderer(templates Templates) (*Renderer, error) {
	r := &Renderer{templates: make(map[patterns.Family]map[string]*template.Template)}

	funcs := template.FuncMap{"q": ShellQuote}
	for family, byType := range templates {
		r.templates[family] = make(map[string]*template.Template, len(byType))
		for typ, text := range byType {
			tmpl, err := template.New(string(family) + "/" + typ).
				Funcs(funcs).
				Option("missingkey=zero").
				Parse(text)
			if err != nil {
				return nil, fmt.Errorf("invalid cleanup template %s/%s: %w", family, typ, err)
			}
			r.templates[family][typ] = tmpl
		}
	}

	return r, nil
}

var defaultRenderer = mustRenderer(DefaultTemplates())

func mustRenderer(t Templates) *Renderer {
	r, err := NewRenderer(t)
	if err != nil {
		panic(err)
	}
	return r
}

// Command renders the deletion command for a resource.
func (r *Renderer) Command(family patterns.Family, res Resource) (string, error) {
	if res.Cleanup != "" {
		return idempotent(res.Cleanup), nil
	}

	tmpl := r.lookup(family, res.Type)
	if tmpl == nil {
		tmpl = r.lookup(patterns.FamilyGeneric, res.Type)
	}
	if tmpl == nil {
		return "", fmt.Errorf("no cleanup template for %s resource %s", family, res.ID)
	}

	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, res); err != nil {
		return "", fmt.Errorf("failed to render cleanup for %s: %w", res.ID, err)
	}
	return sb.String(), nil
}

func (r *Renderer) lookup(family patterns.Family, typ string) *template.Template {
	byType, ok := r.templates[family]
	if !ok {
		return nil
	}
	if tmpl, ok := byType[typ]; ok {
		return tmpl
	}
	return byType[""]
}

// idempotent makes an override command tolerate an already-deleted resource.
// Only the command's tail counts: a tolerant step followed by a strict one
// still gets wrapped.
func idempotent(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	for _, s := range tolerantSuffixes {
		if strings.HasSuffix(trimmed, s) {
			return cmd
		}
	}
	if isPlainRemove(trimmed) {
		return cmd
	}
	return "{ " + cmd + "; } 2>/dev/null || true"
}

// isPlainRemove reports whether cmd is a single forced rm with no other step.
func isPlainRemove(cmd string) bool {
	if strings.ContainsAny(cmd, ";|&\n`") || strings.Contains(cmd, "$(") {
		return false
	}
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != "rm" {
		return false
	}
	for _, f := range fields[1:] {
		if f == "--" || !strings.HasPrefix(f, "-") {
			break
		}
		if !strings.HasPrefix(f, "--") && strings.Contains(f, "f") {
			return true
		}
		if f == "--force" {
			return true
		}
	}
	return false
}

// ShellQuote quotes s for POSIX shells when it contains anything beyond a
// conservative safe set.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("-_./:=@%+,", c):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
