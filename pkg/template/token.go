package template

import (
	"fmt"
	"strings"
)

// DefaultMarkerPrefix introduces every marker line.
const DefaultMarkerPrefix = "# containment:"

// TokenKind classifies one line of a template file.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenContained
	TokenNotContained
	TokenElse
	TokenEnd
	TokenComponents
	TokenPipeline
)

var tokenNames = map[TokenKind]string{
	TokenLiteral:      "literal",
	TokenContained:    "contained",
	TokenNotContained: "not contained",
	TokenElse:         "else",
	TokenEnd:          "end",
	TokenComponents:   "components",
	TokenPipeline:     "pipeline",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// opensRegion reports whether the token starts a conditional region.
func (k TokenKind) opensRegion() bool {
	return k == TokenContained || k == TokenNotContained
}

// substitutes reports whether the token is replaced by generated code.
func (k TokenKind) substitutes() bool {
	return k == TokenComponents || k == TokenPipeline
}

// Token is one line of a parsed template file.
type Token struct {
	Kind   TokenKind
	Line   int    // 1-based line number in the source file
	Text   string // the raw line, without its newline
	Indent string // leading whitespace of the line
}

// File is a parsed template file.
type File struct {
	Name            string
	Tokens          []Token
	trailingNewline bool
}

// Error reports a templating failure at a file position.
type Error struct {
	File string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Parse splits src into tokens using the default marker prefix.
func Parse(name string, src []byte) (*File, error) {
	return ParseWithPrefix(name, src, DefaultMarkerPrefix)
}

// ParseWithPrefix splits src into tokens. Region nesting is checked here so
// that rendering never sees an unbalanced stream: regions do not nest, ELSE
// and END need an open region, substitutions may not sit inside a region,
// and every region is closed before end of file.
func ParseWithPrefix(name string, src []byte, prefix string) (*File, error) {
	text := string(src)
	f := &File{Name: name}
	if strings.HasSuffix(text, "\n") {
		f.trailingNewline = true
		text = strings.TrimSuffix(text, "\n")
	}
	if text == "" && f.trailingNewline {
		f.Tokens = []Token{{Kind: TokenLiteral, Line: 1}}
		return f, nil
	}
	if text == "" {
		return f, nil
	}

	var open *Token
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		tok := Token{
			Kind:   TokenLiteral,
			Line:   i + 1,
			Text:   line,
			Indent: leadingSpace(line),
		}

		kind, isMarker, err := classify(line[len(tok.Indent):], prefix)
		if err != nil {
			return nil, &Error{File: name, Line: tok.Line, Msg: err.Error()}
		}
		if isMarker {
			tok.Kind = kind
		}

		switch {
		case tok.Kind.opensRegion():
			if open != nil {
				return nil, &Error{File: name, Line: tok.Line,
					Msg: fmt.Sprintf("%q region opened inside %q region started at line %d", tok.Kind, open.Kind, open.Line)}
			}
			t := tok
			open = &t
		case tok.Kind == TokenElse:
			if open == nil {
				return nil, &Error{File: name, Line: tok.Line, Msg: "else marker outside an open region"}
			}
		case tok.Kind == TokenEnd:
			if open == nil {
				return nil, &Error{File: name, Line: tok.Line, Msg: "end marker outside an open region"}
			}
			open = nil
		case tok.Kind.substitutes():
			if open != nil {
				return nil, &Error{File: name, Line: tok.Line,
					Msg: fmt.Sprintf("%q substitution inside %q region started at line %d", tok.Kind, open.Kind, open.Line)}
			}
		}

		f.Tokens = append(f.Tokens, tok)
	}

	if open != nil {
		return nil, &Error{File: name, Line: open.Line,
			Msg: fmt.Sprintf("%q region is never closed", open.Kind)}
	}
	return f, nil
}

// classify recognizes a marker line. The line must already be stripped of
// its indentation.
func classify(line, prefix string) (TokenKind, bool, error) {
	if !strings.HasPrefix(line, prefix) {
		return TokenLiteral, false, nil
	}
	directive := strings.Join(strings.Fields(strings.ToLower(line[len(prefix):])), " ")
	switch directive {
	case "contained":
		return TokenContained, true, nil
	case "not contained":
		return TokenNotContained, true, nil
	case "else":
		return TokenElse, true, nil
	case "end":
		return TokenEnd, true, nil
	case "components":
		return TokenComponents, true, nil
	case "pipeline":
		return TokenPipeline, true, nil
	}
	return TokenLiteral, false, fmt.Errorf("unknown marker %q", strings.TrimSpace(line[len(prefix):]))
}

func leadingSpace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}
