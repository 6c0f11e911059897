package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rhuss/composer/pkg/api"
)

const pyIndent = "    "

// ComponentImports generates the lines replacing a components marker: the
// session helpers followed by one import per enabled component.
func ComponentImports(p *api.Pipeline, m Manifest) []string {
	lines := []string{
		fmt.Sprintf("from %s import init_pipeline, init_component", m.HelperModule),
	}
	pkg := strings.ReplaceAll(m.ComponentsDir, "/", ".")
	for _, inst := range p.Enabled() {
		fn := inst.Component.FunctionName
		lines = append(lines, fmt.Sprintf("from %s.%s import %s", pkg, fn, fn))
	}
	return lines
}

// PipelineDriver generates the lines replacing a pipeline marker: a run
// function that opens the pipeline scope, calls every enabled component in
// order inside its own component scope, and hands the evaluated response
// template to the pipeline scope.
func PipelineDriver(p *api.Pipeline) ([]string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "def run(user_message):\n")
	fmt.Fprintf(&b, "%swith init_pipeline(%d, user_message) as pipeline:\n", pyIndent, p.ID)

	body := strings.Repeat(pyIndent, 3)
	for _, inst := range p.Enabled() {
		c := inst.Component
		args, err := renderArguments(c.Arguments, body)
		if err != nil {
			return nil, fmt.Errorf("component %d (%s): %w", c.ID, c.FunctionName, err)
		}
		fmt.Fprintf(&b, "%swith init_component(%d):\n", strings.Repeat(pyIndent, 2), c.ID)
		fmt.Fprintf(&b, "%s%s.arg = %s\n", body, c.FunctionName, args)
		fmt.Fprintf(&b, "%s%s.ret = %s(**%s.arg)\n", body, c.FunctionName, c.FunctionName, c.FunctionName)
	}

	response := strings.TrimSpace(p.Response)
	if response == "" {
		response = "None"
	}
	fmt.Fprintf(&b, "%spipeline.set_response(%s)\n", strings.Repeat(pyIndent, 2), response)
	fmt.Fprintf(&b, "%sreturn pipeline.response", pyIndent)

	return strings.Split(b.String(), "\n"), nil
}

// renderArguments renders the keyword arguments of one component call as a
// dict literal. Interpolated arguments are emitted verbatim; all others are
// rendered from their default value.
func renderArguments(args map[string]api.Argument, indent string) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("{")
	for _, name := range names {
		arg := args[name]
		value := strings.TrimSpace(arg.Interpolated)
		if !arg.Enabled {
			lit, err := RenderLiteral(arg.Default, indent+pyIndent)
			if err != nil {
				return "", fmt.Errorf("argument %q: %w", name, err)
			}
			value = lit
		}
		fmt.Fprintf(&b, "\n%s%s%s: %s,", indent, pyIndent, strconv.Quote(name), value)
	}
	fmt.Fprintf(&b, "\n%s}", indent)
	return b.String(), nil
}
