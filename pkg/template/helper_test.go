package template_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/auth/sandboxtoken"
	"github.com/rhuss/composer/pkg/callback"
	"github.com/rhuss/composer/pkg/session"
	"github.com/rhuss/composer/pkg/storage/memory"
	"github.com/rhuss/composer/pkg/template"
)

// These tests run the rendered skeleton with a local python3 against the
// real callback routes.

const helperTenant = 1

// requirePython skips unless python3 with the requests package is
// available.
func requirePython(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	if out, err := exec.Command("python3", "-c", "import requests").CombinedOutput(); err != nil {
		t.Skipf("python3 lacks requests: %v: %s", err, out)
	}
}

type helperEnv struct {
	store  *memory.Store
	tokens *sandboxtoken.Issuer
	spec   *template.Specializer
	host   string
	port   string

	// rejectNext answers the next authenticated callback with 401.
	rejectNext atomic.Bool

	mu   sync.Mutex
	hits map[string]int
}

func newHelperEnv(t *testing.T) *helperEnv {
	t.Helper()
	requirePython(t)

	tokens, err := sandboxtoken.New(sandboxtoken.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	if err != nil {
		t.Fatalf("sandboxtoken.New: %v", err)
	}
	spec, err := template.New(template.Skeleton(), template.WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("template.New: %v", err)
	}
	env := &helperEnv{
		store:  memory.New(0),
		tokens: tokens,
		spec:   spec,
		hits:   map[string]int{},
	}

	routes := callback.New(env.store, tokens, nil).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.hits[r.Method+" "+r.URL.Path]++
		env.mu.Unlock()
		if r.URL.Path != callback.RefreshPath && env.rejectNext.CompareAndSwap(true, false) {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		routes.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	env.host, env.port = u.Hostname(), u.Port()
	return env
}

func (env *helperEnv) count(method, path string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.hits[method+" "+path]
}

type runResult struct {
	invocationID string
	stdout       string
	stderr       string
	exitCode     int
}

// run specializes p and runs "python3 argv..." in the rendered tree. extra
// files are written into the tree first.
func (env *helperEnv) run(t *testing.T, p *api.Pipeline, persist bool, extra map[string]string, argv ...string) runResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	invocationID := api.NewInvocationID()
	pair, err := env.tokens.Issue(helperTenant, p.ID, invocationID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var res runResult
	err = env.spec.Specialize(ctx, p, func(dir string) error {
		for name, src := range extra {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
				return err
			}
		}
		cmd := exec.CommandContext(ctx, "python3", argv...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"PYTHONDONTWRITEBYTECODE=1",
			session.EnvAccessToken+"="+pair.Access,
			session.EnvRefreshToken+"="+pair.Refresh,
			session.EnvHost+"="+env.host,
			session.EnvPort+"="+env.port,
			session.EnvPersistOnFailure+"="+strconv.FormatBool(persist),
		)
		var stdout, stderr strings.Builder
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		runErr := cmd.Run()
		res = runResult{invocationID: invocationID, stdout: stdout.String(), stderr: stderr.String()}
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			res.exitCode = exitErr.ExitCode()
		case runErr != nil:
			return runErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("running %v: %v", argv, err)
	}
	return res
}

func (env *helperEnv) put(t *testing.T, p *api.Pipeline) *api.Pipeline {
	t.Helper()
	if err := env.store.PutPipeline(context.Background(), p); err != nil {
		t.Fatalf("PutPipeline: %v", err)
	}
	return p
}

func (env *helperEnv) turn(t *testing.T, invocationID string) *api.ChatTurn {
	t.Helper()
	turn, err := env.store.GetChatTurn(context.Background(), invocationID)
	if err != nil {
		t.Fatalf("GetChatTurn(%s): %v", invocationID, err)
	}
	return turn
}

func (env *helperEnv) states(t *testing.T, pipelineID int64) (pipeline string, components map[int64]string) {
	t.Helper()
	st, err := env.store.GetStates(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	components = map[int64]string{}
	for _, cs := range st.ComponentStates {
		components[cs.ID] = string(cs.State)
	}
	return string(st.PipelineState), components
}

const statefulGreet = `from modules.composer import component_state, pipeline_state


def greet(name):
    component_state()["seen"] = name
    ps = pipeline_state()
    ps["turns"] = ps.get("turns", 0) + 1
    return "hi"
`

const failingGreet = `from modules.composer import component_state


def greet(name):
    component_state()["seen"] = name
    raise ValueError("boom " + name)
`

func helperPipeline(id int64, code string) *api.Pipeline {
	return &api.Pipeline{
		ID:       id,
		TenantID: helperTenant,
		Name:     "greeter",
		Response: "greet.ret",
		Instances: []api.ComponentInstance{{
			ID: id * 10, Order: 0, Enabled: true,
			Component: api.Component{
				ID:           id * 100,
				TenantID:     helperTenant,
				Name:         "Greet",
				FunctionName: "greet",
				Code:         code,
				Arguments: map[string]api.Argument{
					"name": {Enabled: true, Interpolated: "user_message"},
				},
			},
		}},
	}
}

// stateJSON decodes a stored state so comparisons ignore key order and
// spacing.
func stateJSON(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("state %q: %v", raw, err)
	}
	return m
}

func TestHelperGreet(t *testing.T) {
	env := newHelperEnv(t)
	p := env.put(t, helperPipeline(3, statefulGreet))

	res := env.run(t, p, false, nil, "main.py", "hello")
	if res.exitCode != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", res.exitCode, res.stderr)
	}
	if res.stdout != "hi\n" {
		t.Errorf("stdout = %q, want %q", res.stdout, "hi\n")
	}
	turn := env.turn(t, res.invocationID)
	if turn.Response != "hi" || turn.ExitCode != 0 || turn.UserMessage != "hello" {
		t.Errorf("turn = %+v", turn)
	}

	ps, cs := env.states(t, p.ID)
	if got := stateJSON(t, ps); got["turns"] != float64(1) {
		t.Errorf("pipeline state = %s", ps)
	}
	if got := stateJSON(t, cs[300]); got["seen"] != "hello" {
		t.Errorf("component state = %s", cs[300])
	}

	// State carries over to the next invocation.
	res = env.run(t, p, false, nil, "main.py", "again")
	if res.exitCode != 0 {
		t.Fatalf("second run exit code = %d, stderr:\n%s", res.exitCode, res.stderr)
	}
	if ps, _ := env.states(t, p.ID); stateJSON(t, ps)["turns"] != float64(2) {
		t.Errorf("pipeline state after two runs = %s", ps)
	}
}

func TestHelperComponentFailure(t *testing.T) {
	tests := []struct {
		name      string
		persist   bool
		wantPosts int
		wantComp  map[string]any
	}{
		{name: "states discarded", persist: false, wantPosts: 0, wantComp: map[string]any{}},
		{name: "persist on failure", persist: true, wantPosts: 1, wantComp: map[string]any{"seen": "hello"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHelperEnv(t)
			p := env.put(t, helperPipeline(int64(4+i), failingGreet))

			res := env.run(t, p, tt.persist, nil, "main.py", "hello")
			if res.exitCode != 1 {
				t.Fatalf("exit code = %d, want 1; stderr:\n%s", res.exitCode, res.stderr)
			}
			if !strings.Contains(res.stderr, "ValueError: boom hello") {
				t.Errorf("stderr lacks the exception:\n%s", res.stderr)
			}

			turn := env.turn(t, res.invocationID)
			if turn.ExitCode != 1 {
				t.Errorf("turn exit code = %d, want 1", turn.ExitCode)
			}
			if !strings.HasPrefix(turn.Response, "Pipeline exited with code 1\n```\nTraceback") ||
				!strings.Contains(turn.Response, "ValueError: boom hello") ||
				!strings.HasSuffix(turn.Response, "```") {
				t.Errorf("turn response = %q", turn.Response)
			}

			statePath := "/callback/state/" + strconv.FormatInt(p.ID, 10)
			if got := env.count(http.MethodPost, statePath); got != tt.wantPosts {
				t.Errorf("state saves = %d, want %d", got, tt.wantPosts)
			}
			_, cs := env.states(t, p.ID)
			got := stateJSON(t, cs[p.Instances[0].Component.ID])
			if len(got) != len(tt.wantComp) || got["seen"] != tt.wantComp["seen"] {
				t.Errorf("component state = %v, want %v", got, tt.wantComp)
			}
		})
	}
}

func TestHelperEmptyPipeline(t *testing.T) {
	env := newHelperEnv(t)
	p := env.put(t, &api.Pipeline{ID: 6, TenantID: helperTenant, Name: "empty", Response: `"nothing"`})

	res := env.run(t, p, false, nil, "main.py", "anyone?")
	if res.exitCode != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", res.exitCode, res.stderr)
	}
	if res.stdout != "nothing\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
	if turn := env.turn(t, res.invocationID); turn.Response != "nothing" || turn.ExitCode != 0 {
		t.Errorf("turn = %+v", turn)
	}
	if got := env.count(http.MethodPost, "/callback/state/6"); got != 1 {
		t.Errorf("state saves = %d, want 1", got)
	}
}

func TestHelperRefreshesRejectedAccess(t *testing.T) {
	env := newHelperEnv(t)
	p := env.put(t, helperPipeline(7, statefulGreet))
	env.rejectNext.Store(true)

	res := env.run(t, p, false, nil, "main.py", "hello")
	if res.exitCode != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", res.exitCode, res.stderr)
	}
	if got := env.count(http.MethodPost, callback.RefreshPath); got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
	// The rejected state fetch is retried once with the new credential.
	if got := env.count(http.MethodGet, "/callback/state/7"); got != 2 {
		t.Errorf("state fetches = %d, want 2", got)
	}
	if turn := env.turn(t, res.invocationID); turn.Response != "hi" {
		t.Errorf("turn = %+v", turn)
	}
}

const scopeScript = `from modules.composer import component_id, init_component, init_pipeline, pipeline_id


def report(label, fn):
    try:
        print(label, fn())
    except RuntimeError as err:
        print(label, "error:", err)


def enter_component():
    with init_component(800):
        return "entered"


report("outside:", enter_component)
with init_pipeline(8, "nest") as pipeline:
    report("pipeline:", pipeline_id)
    report("no component:", component_id)
    with init_component(800):
        with init_component(801):
            report("inner:", component_id)
        report("outer:", component_id)
    report("left:", component_id)
    pipeline.set_response("nested")
report("after:", pipeline_id)
`

func TestHelperScopes(t *testing.T) {
	env := newHelperEnv(t)
	p := &api.Pipeline{ID: 8, TenantID: helperTenant, Name: "scopes"}
	for i, fn := range []string{"first", "second"} {
		p.Instances = append(p.Instances, api.ComponentInstance{
			ID: int64(80 + i), Order: i, Enabled: true,
			Component: api.Component{
				ID: int64(800 + i), TenantID: helperTenant, Name: fn, FunctionName: fn,
				Code: "def " + fn + "():\n    return None\n",
			},
		})
	}
	env.put(t, p)

	res := env.run(t, p, false, map[string]string{"scopes.py": scopeScript}, "scopes.py")
	if res.exitCode != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", res.exitCode, res.stderr)
	}
	want := strings.Join([]string{
		"outside: error: no active pipeline scope",
		"pipeline: 8",
		"no component: error: no active component scope",
		"inner: 801",
		"outer: 800",
		"left: error: no active component scope",
		"after: error: no active pipeline scope",
	}, "\n") + "\n"
	if res.stdout != want {
		t.Errorf("stdout =\n%s\nwant\n%s", res.stdout, want)
	}
	if turn := env.turn(t, res.invocationID); turn.Response != "nested" || turn.UserMessage != "nest" {
		t.Errorf("turn = %+v", turn)
	}
}
