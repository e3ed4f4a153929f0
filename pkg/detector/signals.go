package detector

import (
	"context"
	"path"
	"sort"
	"strings"
)

// maxSignalFiles caps the file list handed to the plan generator.
const maxSignalFiles = 200

// knownManifests are file names that usually identify a deployment platform.
var knownManifests = map[string]bool{
	"Dockerfile":          true,
	"Containerfile":       true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"compose.yaml":        true,
	"compose.yml":         true,
	"Chart.yaml":          true,
	"kustomization.yaml":  true,
	"skaffold.yaml":       true,
	"serverless.yml":      true,
	"serverless.yaml":     true,
	"template.yaml":       true,
	"samconfig.toml":      true,
	"fly.toml":            true,
	"app.yaml":            true,
	"vercel.json":         true,
	"netlify.toml":        true,
	"Procfile":            true,
	"main.tf":             true,
	"Vagrantfile":         true,
	"package.json":        true,
	"go.mod":              true,
	"requirements.txt":    true,
	"pom.xml":             true,
	"Cargo.toml":          true,
}

// Signals summarizes a project tree for the plan generator.
type Signals struct {
	// Root is the project root.
	Root string `json:"root"`

	// FileCount is the number of files within the walk bounds.
	FileCount int `json:"file_count"`

	// Files is a capped, sorted sample of relative file paths.
	Files []string `json:"files"`

	// Manifests are well-known platform files found in the tree.
	Manifests []string `json:"manifests"`

	// Extensions counts files per extension.
	Extensions map[string]int `json:"extensions"`

	// Candidates are the ranked detection results, even if below threshold.
	Candidates []Result `json:"candidates,omitempty"`
}

// Signals collects a summary of the project tree.
func (d *Detector) Signals(ctx context.Context, root string) (*Signals, error) {
	t, err := d.scan(ctx, root)
	if err != nil {
		return nil, err
	}

	s := &Signals{
		Root:       root,
		FileCount:  len(t.files),
		Files:      make([]string, 0),
		Manifests:  make([]string, 0),
		Extensions: make(map[string]int),
	}

	files := append([]string(nil), t.files...)
	sort.Strings(files)

	for _, f := range files {
		if len(s.Files) < maxSignalFiles {
			s.Files = append(s.Files, f)
		}
		if knownManifests[path.Base(f)] {
			s.Manifests = append(s.Manifests, f)
		}
		if ext := strings.ToLower(path.Ext(f)); ext != "" {
			s.Extensions[ext]++
		}
	}

	return s, nil
}
