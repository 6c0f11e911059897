package template

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestName is the reserved file describing a template tree. It is never
// copied into the specialized output.
const ManifestName = "template.yaml"

// Manifest describes the layout of a template tree.
type Manifest struct {
	Entrypoint    string   `yaml:"entrypoint"`     // default: "main.py"
	ComponentsDir string   `yaml:"components_dir"` // default: "components"
	Requirements  string   `yaml:"requirements"`   // default: "requirements.txt"
	HelperModule  string   `yaml:"helper_module"`  // default: "modules.composer"
	MarkerPrefix  string   `yaml:"marker_prefix"`  // default: "# containment:"
	Specialize    []string `yaml:"specialize"`     // extensions processed for markers, default: [".py"]
	Skip          []string `yaml:"skip"`           // extra base-name patterns never copied
}

// defaultSkip lists cache artifacts that never reach the sandbox.
var defaultSkip = []string{"__pycache__", "*.pyc", "*.pyo", ".DS_Store"}

func (m *Manifest) defaults() {
	if m.Entrypoint == "" {
		m.Entrypoint = "main.py"
	}
	if m.ComponentsDir == "" {
		m.ComponentsDir = "components"
	}
	if m.Requirements == "" {
		m.Requirements = "requirements.txt"
	}
	if m.HelperModule == "" {
		m.HelperModule = "modules.composer"
	}
	if m.MarkerPrefix == "" {
		m.MarkerPrefix = DefaultMarkerPrefix
	}
	if len(m.Specialize) == 0 {
		m.Specialize = []string{".py"}
	}
	m.ComponentsDir = strings.Trim(path.Clean(m.ComponentsDir), "/")
}

// LoadManifest reads the manifest from the root of fsys. A tree without a
// manifest uses the defaults.
func LoadManifest(fsys fs.FS) (Manifest, error) {
	var m Manifest
	data, err := fs.ReadFile(fsys, ManifestName)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return m, fmt.Errorf("reading %s: %w", ManifestName, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, &Error{File: ManifestName, Msg: err.Error()}
		}
	}
	m.defaults()
	return m, nil
}

// skipped reports whether a tree entry is left out of the output.
func (m Manifest) skipped(name string) bool {
	base := path.Base(name)
	if name == ManifestName {
		return true
	}
	for _, patterns := range [][]string{defaultSkip, m.Skip} {
		for _, p := range patterns {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

// specialized reports whether a file is parsed for markers.
func (m Manifest) specialized(name string) bool {
	ext := path.Ext(name)
	for _, e := range m.Specialize {
		if e == ext {
			return true
		}
	}
	return false
}

// componentFile reports whether name is a prior generated component file.
// The package's own __init__.py is kept.
func (m Manifest) componentFile(name string) bool {
	return strings.HasPrefix(name, m.ComponentsDir+"/") && name != path.Join(m.ComponentsDir, "__init__.py")
}
