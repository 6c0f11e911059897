package template

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// LitKind classifies one token of a rendered literal.
type LitKind int

const (
	LitScalar LitKind = iota
	LitKey
	LitOpenMap
	LitCloseMap
	LitOpenList
	LitCloseList
)

// LitToken is one token of a Python literal.
type LitToken struct {
	Kind LitKind
	Text string
}

// LiteralTokens converts a JSON-shaped value into a Python literal token
// sequence. Mapping keys are emitted in sorted order so the sequence is a
// pure function of the value.
func LiteralTokens(v any) ([]LitToken, error) {
	var toks []LitToken
	if err := appendLiteral(&toks, v); err != nil {
		return nil, err
	}
	return toks, nil
}

func appendLiteral(toks *[]LitToken, v any) error {
	switch x := v.(type) {
	case nil:
		*toks = append(*toks, LitToken{LitScalar, "None"})
	case bool:
		if x {
			*toks = append(*toks, LitToken{LitScalar, "True"})
		} else {
			*toks = append(*toks, LitToken{LitScalar, "False"})
		}
	case string:
		*toks = append(*toks, LitToken{LitScalar, strconv.Quote(x)})
	case float64:
		*toks = append(*toks, LitToken{LitScalar, formatFloat(x)})
	case float32:
		*toks = append(*toks, LitToken{LitScalar, formatFloat(float64(x))})
	case int:
		*toks = append(*toks, LitToken{LitScalar, strconv.Itoa(x)})
	case int64:
		*toks = append(*toks, LitToken{LitScalar, strconv.FormatInt(x, 10)})
	case json.Number:
		*toks = append(*toks, LitToken{LitScalar, x.String()})
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return fmt.Errorf("decoding raw value: %w", err)
		}
		return appendLiteral(toks, decoded)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		*toks = append(*toks, LitToken{Kind: LitOpenMap})
		for _, k := range keys {
			*toks = append(*toks, LitToken{LitKey, strconv.Quote(k)})
			if err := appendLiteral(toks, x[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		*toks = append(*toks, LitToken{Kind: LitCloseMap})
	case []any:
		*toks = append(*toks, LitToken{Kind: LitOpenList})
		for i, e := range x {
			if err := appendLiteral(toks, e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		*toks = append(*toks, LitToken{Kind: LitCloseList})
	default:
		return fmt.Errorf("unsupported literal type %T", v)
	}
	return nil
}

// formatFloat renders NaN and infinities as expressions Python evaluates.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return `float("nan")`
	case math.IsInf(f, 1):
		return `float("inf")`
	case math.IsInf(f, -1):
		return `float("-inf")`
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FormatLiteral lays tokens out one leaf per line. The first line carries no
// indentation; nested lines are indented by step per depth on top of indent.
// Empty containers stay on one line.
func FormatLiteral(toks []LitToken, indent, step string) string {
	var b strings.Builder
	depth := 0
	afterKey := false
	skipClose := false

	newline := func() {
		b.WriteString("\n")
		b.WriteString(indent)
		b.WriteString(strings.Repeat(step, depth))
	}

	for i, t := range toks {
		if skipClose {
			// Closer of an empty container already written with its opener.
			skipClose = false
			if depth > 0 {
				b.WriteString(",")
			}
			continue
		}

		if depth > 0 && !afterKey && !t.Kind.closes() {
			newline()
		}
		afterKey = false

		switch t.Kind {
		case LitKey:
			b.WriteString(t.Text)
			b.WriteString(": ")
			afterKey = true
			continue
		case LitOpenMap, LitOpenList:
			open, closer := "{", "}"
			if t.Kind == LitOpenList {
				open, closer = "[", "]"
			}
			if i+1 < len(toks) && toks[i+1].Kind.closes() {
				b.WriteString(open + closer)
				skipClose = true
				continue
			}
			b.WriteString(open)
			depth++
			continue
		case LitCloseMap:
			depth--
			newline()
			b.WriteString("}")
		case LitCloseList:
			depth--
			newline()
			b.WriteString("]")
		default:
			b.WriteString(t.Text)
		}

		if depth > 0 {
			b.WriteString(",")
		}
	}
	return b.String()
}

func (k LitKind) closes() bool {
	return k == LitCloseMap || k == LitCloseList
}

// RenderLiteral renders v as Python literal text with four-space nesting.
func RenderLiteral(v any, indent string) (string, error) {
	toks, err := LiteralTokens(v)
	if err != nil {
		return "", err
	}
	return FormatLiteral(toks, indent, "    "), nil
}
