package schemas

import (
	"fmt"
	"time"
)

// -- Element Resolution Schemas --

// StrategyKind identifies how a single locator strategy finds an element.
type StrategyKind string

const (
	// StrategyCSS matches a CSS selector directly against the live page.
	StrategyCSS StrategyKind = "css"
	// StrategyRoleText matches an accessible role, optionally narrowed by visible text.
	StrategyRoleText StrategyKind = "role_text"
	// StrategyAttributeScan matches any element whose attribute contains a value.
	StrategyAttributeScan StrategyKind = "attribute_scan"
	// StrategyTextScan matches elements by visible text content.
	StrategyTextScan StrategyKind = "text_scan"
	// StrategyHeuristic is the last-resort scan of clickable elements for keywords.
	StrategyHeuristic StrategyKind = "heuristic"
)

// Valid reports whether k is a known strategy kind.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyCSS, StrategyRoleText, StrategyAttributeScan, StrategyTextScan, StrategyHeuristic:
		return true
	}
	return false
}

// Strategy is one locator attempt inside an ElementQuery.
//
// Value, Keywords and Scope may carry text/template expressions that are
// rendered against the run parameters before resolution.
type Strategy struct {
	Kind StrategyKind `json:"kind" yaml:"kind"`
	// Value is the selector for css, the text fragment for role_text and
	// text_scan, and the attribute fragment for attribute_scan.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// Role is the accessible role for role_text.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
	// Attribute limits attribute_scan to one attribute name. Empty scans all attributes.
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	// Scope is a CSS selector bounding scan strategies.
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
	// Keywords feed the heuristic scan.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// PreferMostRecent takes the first match in document order on the
	// assumption the product lists newest items first.
	PreferMostRecent bool `json:"prefer_most_recent,omitempty" yaml:"prefer_most_recent,omitempty"`
}

func (s Strategy) String() string {
	switch s.Kind {
	case StrategyCSS:
		return fmt.Sprintf("css(%s)", s.Value)
	case StrategyRoleText:
		return fmt.Sprintf("role(%s,%q)", s.Role, s.Value)
	case StrategyAttributeScan:
		return fmt.Sprintf("attr(%s~%q)", s.Attribute, s.Value)
	case StrategyTextScan:
		return fmt.Sprintf("text(%q)", s.Value)
	case StrategyHeuristic:
		return fmt.Sprintf("heuristic(%v)", s.Keywords)
	}
	return string(s.Kind)
}

// ElementQuery is an ordered list of strategies for one logical control.
type ElementQuery struct {
	Name       string     `json:"name" yaml:"name"`
	Strategies []Strategy `json:"strategies" yaml:"strategies"`
	// Timeout is the overall resolution budget. Zero means the resolver default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks that the query can be resolved at all.
func (q ElementQuery) Validate() error {
	if len(q.Strategies) == 0 {
		return fmt.Errorf("query %q has no strategies", q.Name)
	}
	if q.Timeout < 0 {
		return fmt.Errorf("query %q has negative timeout", q.Name)
	}
	for i, s := range q.Strategies {
		if !s.Kind.Valid() {
			return fmt.Errorf("query %q strategy %d: unknown kind %q", q.Name, i, s.Kind)
		}
		switch s.Kind {
		case StrategyCSS, StrategyTextScan, StrategyAttributeScan:
			if s.Value == "" {
				return fmt.Errorf("query %q strategy %d (%s): value is required", q.Name, i, s.Kind)
			}
		case StrategyRoleText:
			if s.Role == "" {
				return fmt.Errorf("query %q strategy %d (%s): role is required", q.Name, i, s.Kind)
			}
		}
	}
	return nil
}

// ElementHandle addresses one live element: the Index-th match of Selector.
type ElementHandle struct {
	Selector string `json:"selector"`
	Index    int    `json:"index"`
	Tag      string `json:"tag,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (h ElementHandle) String() string {
	return fmt.Sprintf("%s[%d]", h.Selector, h.Index)
}

// ResolveAttempt records the outcome of one strategy in a resolution trace.
type ResolveAttempt struct {
	Query     string `json:"query"`
	Strategy  string `json:"strategy"`
	Succeeded bool   `json:"succeeded"`
	Polls     int    `json:"polls"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Note      string `json:"note,omitempty"`
}
