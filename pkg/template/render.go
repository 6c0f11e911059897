package template

import (
	"fmt"
	"strings"
)

// region is the state of the rendering automaton.
type region int

const (
	regionNone region = iota
	regionContained
	regionNotContained
)

// Substitutions maps substitution markers to the generated lines that
// replace them. Generated lines are indented to the marker's column.
type Substitutions map[TokenKind][]string

// Render walks the token stream and produces the specialized file. Marker
// lines of conditional regions are kept verbatim so that line numbers in
// sandbox tracebacks still match the template.
func Render(f *File, subs Substitutions) ([]byte, error) {
	var (
		out    []string
		state  = regionNone
		marker Token
	)

	for _, tok := range f.Tokens {
		switch tok.Kind {
		case TokenContained, TokenNotContained:
			if state != regionNone {
				return nil, &Error{File: f.Name, Line: tok.Line, Msg: "nested region"}
			}
			state = regionContained
			if tok.Kind == TokenNotContained {
				state = regionNotContained
			}
			marker = tok
			out = append(out, tok.Text)

		case TokenElse:
			switch state {
			case regionContained:
				state = regionNotContained
			case regionNotContained:
				state = regionContained
			default:
				return nil, &Error{File: f.Name, Line: tok.Line, Msg: "else marker outside an open region"}
			}
			marker = tok
			out = append(out, tok.Text)

		case TokenEnd:
			if state == regionNone {
				return nil, &Error{File: f.Name, Line: tok.Line, Msg: "end marker outside an open region"}
			}
			state = regionNone
			out = append(out, tok.Text)

		case TokenComponents, TokenPipeline:
			lines, ok := subs[tok.Kind]
			if !ok {
				return nil, &Error{File: f.Name, Line: tok.Line, Msg: fmt.Sprintf("no code generated for %q marker", tok.Kind)}
			}
			for _, l := range lines {
				if l == "" {
					out = append(out, "")
					continue
				}
				out = append(out, tok.Indent+l)
			}

		default:
			switch state {
			case regionContained:
				out = append(out, uncomment(tok.Text, tok.Indent))
			case regionNotContained:
				out = append(out, commentOut(tok.Text, tok.Indent, marker.Indent))
			default:
				out = append(out, tok.Text)
			}
		}
	}

	if state != regionNone {
		return nil, &Error{File: f.Name, Line: marker.Line, Msg: "region is never closed"}
	}

	text := strings.Join(out, "\n")
	if f.trailingNewline {
		text += "\n"
	}
	return []byte(text), nil
}

// uncomment strips a one-character comment prefix, and one space after it,
// from a line of a contained region.
func uncomment(line, indent string) string {
	body := line[len(indent):]
	if !strings.HasPrefix(body, "#") {
		return line
	}
	return indent + strings.TrimPrefix(body[1:], " ")
}

// commentOut disables a line of a not-contained region. The comment goes at
// the marker's column, or at the line's own column when it is less indented.
func commentOut(line, indent, markerIndent string) string {
	if strings.TrimSpace(line) == "" {
		return line
	}
	col := min(len(indent), len(markerIndent))
	return line[:col] + "# " + line[col:]
}
