// Package template turns a fixed source template tree plus one pipeline
// into the concrete source tree that runs inside a tenant's sandbox.
//
// Specialization is a two-phase process per file. [Parse] splits a file into
// a flat token stream of literal lines, conditional region markers and
// substitution points, rejecting illegal nesting with the offending file and
// line. [Render] then walks the stream with a three-state automaton (none,
// contained, not contained): code in contained regions is uncommented, code
// in not-contained regions is commented out, and substitution points expand
// into generated Python.
//
// Markers are whole-line comments carrying the manifest's marker prefix:
//
//	# containment: contained
//	# containment: not contained
//	# containment: else
//	# containment: end
//	# containment: components
//	# containment: pipeline
//
// The argument literal renderer ([LiteralTokens], [FormatLiteral]) is a pure
// function from a structured value to Python literal text and has no
// dependency on the templating engine.
package template
