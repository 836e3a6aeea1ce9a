// Package dsl defines the declarative strategy document users write.
//
// A document is YAML with five blocks: meta (symbol, timeframe), features
// (declared indicator bindings), rules (arm / trigger / invalidate, plus an
// optional disarm), order_plans, and optional execution and risk blocks.
// This package only parses the shape; semantic validation, expression
// parsing, and lowering happen in the compiler.
//
// Compatibility: additive fields are permitted. Unknown fields are rejected
// so that a removed or retyped field fails compilation loudly instead of
// being silently ignored.
package dsl

import (
	"bytes"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Document is the top-level strategy document.
type Document struct {
	Meta       Meta        `yaml:"meta"`
	Features   []Feature   `yaml:"features"`
	Rules      Rules       `yaml:"rules"`
	OrderPlans []OrderPlan `yaml:"order_plans"`
	Execution  *Execution  `yaml:"execution"`
	Risk       Risk        `yaml:"risk"`
}

// Meta identifies the strategy and the market it binds to.
type Meta struct {
	Name      string `yaml:"name"`
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
}

// Feature declares one feature binding: Name is what rules reference, Fn is
// the registry entry it binds to (defaults to Name), Params parameterize
// the entry, DependsOn adds explicit dependency edges.
type Feature struct {
	Name      string             `yaml:"name"`
	Type      string             `yaml:"type"` // builtin | indicator | microstructure
	Fn        string             `yaml:"fn"`
	Params    map[string]float64 `yaml:"params"`
	DependsOn []string           `yaml:"depends_on"`
}

// RegistryName returns the registry entry this feature binds to.
func (f Feature) RegistryName() string {
	if f.Fn != "" {
		return f.Fn
	}
	return f.Name
}

// Rules holds the transition predicates as expression strings.
type Rules struct {
	Arm        string `yaml:"arm"`
	Trigger    string `yaml:"trigger"`
	Invalidate string `yaml:"invalidate"`
	Disarm     string `yaml:"disarm"`
}

// Level is an order-plan price level: either a plain number or an
// expression string recomputed each bar. Exactly one of the two is set.
type Level struct {
	Number *float64
	Expr   string
}

// UnmarshalYAML accepts either a YAML number or a string expression.
func (l *Level) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("level must be a number or expression string")
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("bad level number %q: %w", node.Value, err)
		}
		l.Number = &v
		return nil
	}
	if node.Tag == "!!str" {
		l.Expr = node.Value
		return nil
	}
	return fmt.Errorf("level must be a number or expression string, got %s", node.Tag)
}

// MarshalYAML renders the level back to its scalar form.
func (l Level) MarshalYAML() (interface{}, error) {
	if l.Number != nil {
		return *l.Number, nil
	}
	return l.Expr, nil
}

// IsZero reports whether the level was absent from the document.
func (l Level) IsZero() bool {
	return l.Number == nil && l.Expr == ""
}

// Target is one take-profit level with its position ratio.
type Target struct {
	Price Level   `yaml:"price"`
	Ratio float64 `yaml:"ratio"`
}

// OrderPlan is one order template. EntryZone is [low, high]; Stop and the
// zone bounds may be dynamic expressions.
type OrderPlan struct {
	ID        string   `yaml:"id"`
	Side      string   `yaml:"side"` // buy | sell
	Entry     Level    `yaml:"entry"`
	EntryZone []Level  `yaml:"entry_zone"`
	Qty       float64  `yaml:"qty"`
	Stop      Level    `yaml:"stop"`
	Targets   []Target `yaml:"targets"`
	Mode      string   `yaml:"mode"` // single | split_bracket
}

// Execution carries optional execution knobs.
type Execution struct {
	EntryTimeoutBars int    `yaml:"entry_timeout_bars"`
	RTHOnly          bool   `yaml:"rth_only"`
	FreezeLevelsOn   string `yaml:"freeze_levels_on"` // armed | triggered
}

// Risk carries the risk block.
type Risk struct {
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
}

// Parse decodes a strategy document. Unknown fields are an error.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse strategy document: %w", err)
	}
	return &doc, nil
}
