package compiler

import (
	"fmt"
	"strings"
)

// SchemaError reports a malformed document shape at a YAML-ish path.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error at %s: %s", e.Path, e.Reason)
}

// ParseError reports an expression that did not lex or parse.
type ParseError struct {
	Where  string // which rule or level, e.g. "rules.trigger"
	Source string // the offending expression text
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s (%q): %v", e.Where, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NameError reports an identifier that resolves to nothing: not a declared
// feature, not a bar builtin, not a function, not a plan variable.
type NameError struct {
	Symbol   string
	Location string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("unknown name %q in %s", e.Symbol, e.Location)
}

// CycleError reports a dependency cycle in the feature DAG.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("feature dependency cycle involving: %s", strings.Join(e.Nodes, ", "))
}
