// Package sandboxtest provides an in-memory sandbox.Engine for tests.
//
// The engine keeps a tiny simulated filesystem per container and understands
// the handful of commands the registry, provisioner and archive transport
// issue (mkdir, python3 -m venv, the interpreter version check, rm -rf, find
// and pip). Anything else is handed to the Handler, or succeeds with no
// output.
//
// Supervised commands (see sandbox.Supervision) are unwrapped before they
// reach the Handler and behave like a real process: they keep running when
// the Exec caller gives up, until the matching kill command or their limit
// stops them.
package sandboxtest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/composer/pkg/sandbox"
)

// Handler runs a command the engine does not simulate. Returning a nil
// result and nil error falls back to an empty successful run.
type Handler func(ctx context.Context, c *sandbox.Container, spec sandbox.ExecSpec) (*sandbox.ExecResult, error)

// Call records one engine operation. Supervised commands are recorded
// unwrapped, with their Supervision.
type Call struct {
	Op          string
	ID          string
	Exec        sandbox.ExecSpec
	Supervision *sandbox.Supervision
}

type procKey struct {
	container string
	pidFile   string
}

// process is a supervised command still running in the background.
type process struct {
	cancel context.CancelFunc
	done   chan struct{}
	res    *sandbox.ExecResult
	err    error
}

type container struct {
	info  sandbox.Container
	spec  sandbox.Spec
	dirs  map[string]bool
	files map[string][]byte
}

// Engine is an in-memory sandbox.Engine.
type Engine struct {
	// PythonVersion is printed by the simulated interpreter version check.
	PythonVersion string
	// CreateDelay widens the window in which concurrent creations could race.
	CreateDelay time.Duration
	// InspectDelay makes Inspect block, returning early when its ctx ends.
	InspectDelay time.Duration

	mu         sync.Mutex
	containers map[string]*container // by ID
	names      map[string]string     // name -> ID
	calls      []Call
	handler    Handler
	fail       map[string]error
	procs      map[procKey]*process
	kills      int
	seq        int
	creates    atomic.Int32
}

var _ sandbox.Engine = (*Engine)(nil)

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		PythonVersion: "Python 3.11.5",
		containers:    make(map[string]*container),
		names:         make(map[string]string),
		fail:          make(map[string]error),
		procs:         make(map[procKey]*process),
	}
}

// SetHandler installs the handler for commands the engine does not simulate.
func (e *Engine) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Fail makes every subsequent call of op return err. A nil err clears it.
// Ops are "inspect", "create", "start", "stop", "remove", "exec" and "put".
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fail, op)
		return
	}
	e.fail[op] = err
}

// Add registers an existing container, for example one not created by the
// registry.
func (e *Engine) Add(c sandbox.Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.ID == "" {
		e.seq++
		c.ID = fmt.Sprintf("c%d", e.seq)
	}
	e.containers[c.ID] = &container{info: c, dirs: map[string]bool{"/": true}, files: map[string][]byte{}}
	e.names[c.Name] = c.ID
}

// Creates returns how many containers Create has made.
func (e *Engine) Creates() int {
	return int(e.creates.Load())
}

// Calls returns a copy of the recorded operations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// ExecCalls returns the recorded exec commands whose first argument is cmd.
func (e *Engine) ExecCalls(cmd string) []sandbox.ExecSpec {
	var out []sandbox.ExecSpec
	for _, c := range e.Calls() {
		if c.Op == "exec" && len(c.Exec.Cmd) > 0 && c.Exec.Cmd[0] == cmd {
			out = append(out, c.Exec)
		}
	}
	return out
}

// Running returns how many supervised commands are still running.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

// Kills returns how many kill commands the engine has received.
func (e *Engine) Kills() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kills
}

// Container returns the state of the container with the given name.
func (e *Engine) Container(name string) (sandbox.Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.names[name]
	if !ok {
		return sandbox.Container{}, false
	}
	return e.containers[id].info, true
}

// Files returns the files under dir in the named container, keyed by path
// relative to dir.
func (e *Engine) Files(name, dir string) map[string][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]byte)
	c := e.byName(name)
	if c == nil {
		return out
	}
	for p, data := range c.files {
		if rel, ok := under(dir, p); ok {
			out[rel] = data
		}
	}
	return out
}

// HasDir reports whether dir exists in the named container.
func (e *Engine) HasDir(name, dir string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.byName(name)
	return c != nil && c.dirs[path.Clean(dir)]
}

// WriteFile places a file in the named container.
func (e *Engine) WriteFile(name, p string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c := e.byName(name); c != nil {
		c.writeFile(p, data)
	}
}

func (e *Engine) byName(name string) *container {
	id, ok := e.names[name]
	if !ok {
		return nil
	}
	return e.containers[id]
}

func (e *Engine) begin(op, id string, spec sandbox.ExecSpec) (*container, error) {
	e.calls = append(e.calls, Call{Op: op, ID: id, Exec: spec})
	if err := e.fail[op]; err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	c, ok := e.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, sandbox.ErrNotFound)
	}
	return c, nil
}

func (e *Engine) Inspect(ctx context.Context, name string) (*sandbox.Container, error) {
	if e.InspectDelay > 0 {
		select {
		case <-time.After(e.InspectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.begin("inspect", "", sandbox.ExecSpec{}); err != nil {
		return nil, err
	}
	c := e.byName(name)
	if c == nil {
		return nil, fmt.Errorf("container %s: %w", name, sandbox.ErrNotFound)
	}
	info := c.info
	return &info, nil
}

func (e *Engine) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	if e.CreateDelay > 0 {
		time.Sleep(e.CreateDelay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.begin("create", "", sandbox.ExecSpec{}); err != nil {
		return "", err
	}
	if _, exists := e.names[spec.Name]; exists {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	e.seq++
	id := fmt.Sprintf("c%d", e.seq)
	e.containers[id] = &container{
		info:  sandbox.Container{ID: id, Name: spec.Name, Labels: spec.Labels},
		spec:  spec,
		dirs:  map[string]bool{"/": true},
		files: map[string][]byte{},
	}
	e.names[spec.Name] = id
	e.creates.Add(1)
	return id, nil
}

func (e *Engine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.begin("start", id, sandbox.ExecSpec{})
	if err != nil {
		return err
	}
	c.info.Running = true
	return nil
}

func (e *Engine) Stop(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.begin("stop", id, sandbox.ExecSpec{})
	if err != nil {
		return err
	}
	c.info.Running = false
	return nil
}

func (e *Engine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.begin("remove", id, sandbox.ExecSpec{})
	if err != nil {
		return err
	}
	delete(e.names, c.info.Name)
	delete(e.containers, id)
	return nil
}

func (e *Engine) Exec(ctx context.Context, id string, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	sup, inner, supervised := sandbox.Unwrap(spec.Cmd)
	if supervised {
		spec.Cmd = inner
	}

	e.mu.Lock()
	c, err := e.begin("exec", id, spec)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if supervised {
		e.calls[len(e.calls)-1].Supervision = &sup
	}
	if !c.info.Running {
		e.mu.Unlock()
		return nil, fmt.Errorf("container %s is not running", id)
	}
	if pidFile, ok := sandbox.KilledPIDFile(spec.Cmd); ok {
		e.kills++
		p := e.procs[procKey{id, pidFile}]
		e.mu.Unlock()
		if p != nil {
			p.cancel()
			<-p.done
		}
		return &sandbox.ExecResult{}, nil
	}
	if res, ok := e.simulate(c, spec); ok {
		e.mu.Unlock()
		return res, nil
	}
	h := e.handler
	info := c.info
	if !supervised {
		e.mu.Unlock()
		return handle(ctx, h, &info, spec)
	}

	// The process outlives the caller's ctx; only a kill or its limit
	// stops it.
	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if sup.Limit > 0 {
		pctx, cancel = context.WithTimeout(context.Background(), sup.Limit)
	} else {
		pctx, cancel = context.WithCancel(context.Background())
	}
	key := procKey{id, sup.PIDFile}
	p := &process{cancel: cancel, done: make(chan struct{})}
	e.procs[key] = p
	e.mu.Unlock()

	go func() {
		defer close(p.done)
		defer cancel()
		p.res, p.err = handle(pctx, h, &info, spec)
		if pctx.Err() != nil {
			p.res, p.err = failed(137, "Killed"), nil
		}
		e.mu.Lock()
		delete(e.procs, key)
		e.mu.Unlock()
	}()

	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handle(ctx context.Context, h Handler, info *sandbox.Container, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	if h != nil {
		res, err := h(ctx, info, spec)
		if err != nil || res != nil {
			return res, err
		}
	}
	return &sandbox.ExecResult{}, nil
}

func (e *Engine) PutArchive(_ context.Context, id, dir string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.begin("put", id, sandbox.ExecSpec{})
	if err != nil {
		return err
	}
	if !c.dirs[path.Clean(dir)] {
		return fmt.Errorf("extracting into %s: %w", dir, sandbox.ErrNotFound)
	}

	var r io.Reader = bytes.NewReader(data)
	br := bufio.NewReader(r)
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		target := path.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			c.mkdirAll(target)
		case tar.TypeReg:
			body, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			c.writeFile(target, body)
		}
	}
}

// simulate handles the commands the engine understands.
func (e *Engine) simulate(c *container, spec sandbox.ExecSpec) (*sandbox.ExecResult, bool) {
	args := spec.Cmd
	if len(args) == 0 {
		return nil, false
	}
	switch {
	case len(args) == 3 && args[0] == "mkdir" && args[1] == "-p":
		c.mkdirAll(args[2])
		return &sandbox.ExecResult{}, true

	case len(args) >= 4 && args[0] == "python3" && args[1] == "-m" && args[2] == "venv":
		wd := spec.WorkingDir
		if !c.dirs[path.Clean(wd)] {
			return failed(1, "no such directory: "+wd), true
		}
		bin := path.Join(wd, args[3], "bin")
		c.mkdirAll(bin)
		c.writeFile(path.Join(bin, "python"), []byte("#!python\n"))
		return &sandbox.ExecResult{}, true

	case len(args) == 2 && args[1] == "--version" && path.Base(args[0]) == "python":
		if _, ok := c.files[path.Clean(args[0])]; !ok {
			return failed(127, "exec: "+args[0]+": no such file or directory"), true
		}
		return &sandbox.ExecResult{Stdout: []byte(e.PythonVersion + "\n")}, true

	case len(args) == 3 && args[0] == "rm" && args[1] == "-rf":
		c.removeAll(args[2])
		return &sandbox.ExecResult{}, true

	case args[0] == "find":
		return c.find(args), true

	case len(args) >= 2 && (args[0] == "pip" || path.Base(args[0]) == "pip") && args[1] == "install":
		return &sandbox.ExecResult{Stdout: []byte("Successfully installed\n")}, true
	}
	return nil, false
}

// find supports: find <dir> -mindepth 1 -maxdepth 1 ! -name <keep> -exec rm -rf {} +
func (c *container) find(args []string) *sandbox.ExecResult {
	if len(args) != 14 || args[2] != "-mindepth" || args[4] != "-maxdepth" ||
		args[6] != "!" || args[7] != "-name" || args[9] != "-exec" || args[10] != "rm" {
		return failed(2, "unsupported find invocation: "+strings.Join(args, " "))
	}
	dir, keep := path.Clean(args[1]), args[8]
	if !c.dirs[dir] {
		return failed(1, "find: "+dir+": No such file or directory")
	}
	for _, child := range c.children(dir) {
		if path.Base(child) != keep {
			c.removeAll(child)
		}
	}
	return &sandbox.ExecResult{}
}

func (c *container) mkdirAll(dir string) {
	for d := path.Clean(dir); ; d = path.Dir(d) {
		c.dirs[d] = true
		if d == "/" || d == "." {
			return
		}
	}
}

func (c *container) writeFile(p string, data []byte) {
	p = path.Clean(p)
	c.mkdirAll(path.Dir(p))
	c.files[p] = data
}

func (c *container) removeAll(p string) {
	p = path.Clean(p)
	for d := range c.dirs {
		if _, ok := under(p, d); ok || d == p {
			delete(c.dirs, d)
		}
	}
	for f := range c.files {
		if _, ok := under(p, f); ok || f == p {
			delete(c.files, f)
		}
	}
}

// children lists the immediate entries of dir.
func (c *container) children(dir string) []string {
	seen := map[string]bool{}
	for _, set := range []map[string]bool{c.dirs, fileSet(c.files)} {
		for p := range set {
			if path.Dir(p) == dir && p != dir {
				seen[p] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func fileSet(files map[string][]byte) map[string]bool {
	out := make(map[string]bool, len(files))
	for p := range files {
		out[p] = true
	}
	return out
}

// under reports whether p lies strictly below dir, returning the relative
// path.
func under(dir, p string) (string, bool) {
	dir = path.Clean(dir)
	if dir == "/" {
		return strings.TrimPrefix(p, "/"), p != "/"
	}
	if !strings.HasPrefix(p, dir+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, dir+"/"), true
}

func failed(code int, msg string) *sandbox.ExecResult {
	return &sandbox.ExecResult{ExitCode: code, Stderr: []byte(msg + "\n")}
}
