package template

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/debug"
)

//go:embed all:skeleton
var skeleton embed.FS

// Skeleton returns the built-in template tree.
func Skeleton() fs.FS {
	sub, err := fs.Sub(skeleton, "skeleton")
	if err != nil {
		panic("template: embedded skeleton missing: " + err.Error())
	}
	return sub
}

// Tree is a specialized source tree keyed by slash-separated relative path.
type Tree map[string][]byte

// Paths returns the tree's file paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Write materializes the tree under dir.
func (t Tree) Write(dir string) error {
	for _, p := range t.Paths() {
		dst := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", p, err)
		}
		if err := os.WriteFile(dst, t[p], 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", p, err)
		}
	}
	return nil
}

// Specializer produces pipeline-specific source trees from one template
// tree. It is safe for concurrent use.
type Specializer struct {
	fsys       fs.FS
	manifest   Manifest
	validation api.ValidationConfig
	tempDir    string
	logger     *slog.Logger
}

// Option configures a Specializer.
type Option func(*Specializer)

// WithTempDir sets the parent directory of specialization workspaces.
func WithTempDir(dir string) Option {
	return func(s *Specializer) { s.tempDir = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Specializer) { s.logger = l }
}

// WithValidation sets the limits pipelines are checked against before
// specialization.
func WithValidation(cfg api.ValidationConfig) Option {
	return func(s *Specializer) { s.validation = cfg }
}

// New creates a Specializer over the template tree fsys. Pass Skeleton() for
// the built-in tree.
func New(fsys fs.FS, opts ...Option) (*Specializer, error) {
	m, err := LoadManifest(fsys)
	if err != nil {
		return nil, err
	}
	if _, err := fs.Stat(fsys, m.Entrypoint); err != nil {
		return nil, fmt.Errorf("template entrypoint %s: %w", m.Entrypoint, err)
	}

	s := &Specializer{
		fsys:       fsys,
		manifest:   m,
		validation: api.DefaultValidationConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Manifest returns the template's manifest.
func (s *Specializer) Manifest() Manifest {
	return s.manifest
}

// Render specializes the template tree for p without touching disk.
func (s *Specializer) Render(ctx context.Context, p *api.Pipeline) (Tree, error) {
	if apiErr := api.ValidatePipeline(p, s.validation); apiErr != nil {
		return nil, &Error{File: s.manifest.Entrypoint, Msg: apiErr.Message}
	}

	driver, err := PipelineDriver(p)
	if err != nil {
		return nil, &Error{File: s.manifest.Entrypoint, Msg: err.Error()}
	}
	subs := Substitutions{
		TokenComponents: ComponentImports(p, s.manifest),
		TokenPipeline:   driver,
	}

	tree := make(Tree)
	err = fs.WalkDir(s.fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		if s.manifest.skipped(name) || s.manifest.componentFile(name) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		data, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", name, err)
		}
		if s.manifest.specialized(name) {
			f, err := ParseWithPrefix(name, data, s.manifest.MarkerPrefix)
			if err != nil {
				return err
			}
			if data, err = Render(f, subs); err != nil {
				return err
			}
		}
		tree[name] = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, inst := range p.Enabled() {
		c := inst.Component
		code := c.Code
		if !strings.HasSuffix(code, "\n") {
			code += "\n"
		}
		tree[path.Join(s.manifest.ComponentsDir, c.FunctionName+".py")] = []byte(code)
	}
	if _, ok := tree[path.Join(s.manifest.ComponentsDir, "__init__.py")]; !ok {
		tree[path.Join(s.manifest.ComponentsDir, "__init__.py")] = nil
	}

	if len(p.Requirements) > 0 {
		reqs := tree[s.manifest.Requirements]
		if len(reqs) > 0 && !strings.HasSuffix(string(reqs), "\n") {
			reqs = append(reqs, '\n')
		}
		reqs = append(reqs, []byte(strings.Join(p.Requirements, "\n")+"\n")...)
		tree[s.manifest.Requirements] = reqs
	}

	debug.Log("template", "tree rendered", "pipeline_id", p.ID, "files", len(tree))
	if debug.TraceEnabled("template") {
		debug.Trace("template", "entrypoint", "pipeline_id", p.ID, "source", string(tree[s.manifest.Entrypoint]))
	}
	return tree, nil
}

// Specialize renders the tree for p into a fresh workspace directory and
// calls fn with it. The workspace is removed when Specialize returns,
// whether fn succeeded or not.
func (s *Specializer) Specialize(ctx context.Context, p *api.Pipeline, fn func(dir string) error) (err error) {
	tree, err := s.Render(ctx, p)
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp(s.tempDir, "composer-"+p.DirName()+"-")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			s.logger.Warn("workspace cleanup failed", "dir", dir, "error", rmErr)
			if err == nil {
				err = fmt.Errorf("removing workspace: %w", rmErr)
			}
		}
	}()

	if err := tree.Write(dir); err != nil {
		return err
	}

	s.logger.Debug("pipeline specialized",
		"pipeline_id", p.ID,
		"files", len(tree),
		"components", len(p.Enabled()),
	)
	return fn(dir)
}
