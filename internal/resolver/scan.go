// internal/resolver/scan.go
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
)

// interactiveSelector is what the heuristic strategy considers clickable or typeable.
const interactiveSelector = `button, a, [role="button"], [role="link"], input, textarea, select, [role="searchbox"], [role="textbox"], [contenteditable="true"]`

// scan runs the DOM scanning strategies. Candidates are found on a static
// snapshot, addressed by a structural path, and then confirmed live so the
// visibility rules are the page's, not the parser's.
func (r *Resolver) scan(ctx context.Context, page browser.Page, s schemas.Strategy) (schemas.ElementHandle, string, error) {
	scope := s.Scope
	if scope == "" {
		scope = "body"
	}
	if _, err := cascadia.Compile(scope); err != nil {
		return schemas.ElementHandle{}, "", fmt.Errorf("%w: scope %q: %v", browser.ErrInvalidSelector, scope, err)
	}

	snapshot, err := page.Snapshot(ctx)
	if err != nil {
		return schemas.ElementHandle{}, "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snapshot))
	if err != nil {
		return schemas.ElementHandle{}, "", fmt.Errorf("parse snapshot: %w", err)
	}

	candidates := r.candidates(doc.Find(scope), s)
	total := len(candidates)
	if total > r.opts.MaxScanCandidates {
		candidates = candidates[:r.opts.MaxScanCandidates]
	}

	for i, node := range candidates {
		path := structuralPath(node)
		matches, err := page.QueryVisible(ctx, path)
		if err != nil {
			return schemas.ElementHandle{}, "", err
		}
		if len(matches) == 0 {
			continue
		}
		m := matches[0]
		note := ""
		if total > 1 {
			note = fmt.Sprintf("candidate %d of %d", i+1, total)
			if s.PreferMostRecent && i == 0 {
				note = fmt.Sprintf("prefer_most_recent: took the first of %d, assuming newest renders first", total)
			}
		}
		return schemas.ElementHandle{Selector: path, Index: m.Index, Tag: m.Tag, Text: m.Text}, note, nil
	}
	return schemas.ElementHandle{}, "", nil
}

// candidates returns matching nodes in document order.
func (r *Resolver) candidates(scope *goquery.Selection, s schemas.Strategy) []*html.Node {
	var out []*html.Node
	add := func(_ int, sel *goquery.Selection) {
		out = append(out, sel.Get(0))
	}

	switch s.Kind {
	case schemas.StrategyRoleText:
		needle := fold(s.Value)
		scope.Find("*").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			return roleOf(sel) == strings.ToLower(s.Role) && strings.Contains(fold(label(sel)), needle)
		}).Each(add)

	case schemas.StrategyAttributeScan:
		needle := fold(s.Value)
		scope.Find("*").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			return attrContains(sel.Get(0), s.Attribute, needle)
		}).Each(add)

	case schemas.StrategyTextScan:
		needle := fold(s.Value)
		scope.Find("*").Not("script, style, template, noscript").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			if !strings.Contains(fold(sel.Text()), needle) {
				return false
			}
			// Innermost only: a child carrying the whole text is the better target.
			inner := false
			sel.Children().EachWithBreak(func(_ int, c *goquery.Selection) bool {
				inner = strings.Contains(fold(c.Text()), needle)
				return !inner
			})
			return !inner
		}).Each(add)

	case schemas.StrategyHeuristic:
		keywords := s.Keywords
		if len(keywords) == 0 {
			keywords = r.opts.HeuristicKeywords
		}
		scope.Find(interactiveSelector).FilterFunction(func(_ int, sel *goquery.Selection) bool {
			for _, kw := range keywords {
				kw = fold(kw)
				if kw == "" {
					continue
				}
				if strings.Contains(fold(sel.Text()), kw) || attrContains(sel.Get(0), "", kw) {
					return true
				}
			}
			return false
		}).Each(add)
	}
	return out
}

// roleOf returns the explicit role, or the implicit one for common controls.
func roleOf(sel *goquery.Selection) string {
	if role, ok := sel.Attr("role"); ok && role != "" {
		return strings.ToLower(strings.Fields(role)[0])
	}
	switch goquery.NodeName(sel) {
	case "button":
		return "button"
	case "a":
		if _, ok := sel.Attr("href"); ok {
			return "link"
		}
	case "textarea":
		return "textbox"
	case "select":
		return "combobox"
	case "input":
		switch t, _ := sel.Attr("type"); strings.ToLower(t) {
		case "button", "submit", "reset", "image":
			return "button"
		case "search":
			return "searchbox"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "range":
			return "slider"
		case "", "text", "email", "tel", "url":
			return "textbox"
		}
	}
	return ""
}

// label is the accessible-ish name: text, then aria-label, value, title, placeholder.
func label(sel *goquery.Selection) string {
	if t := strings.TrimSpace(sel.Text()); t != "" {
		return t
	}
	for _, a := range []string{"aria-label", "value", "title", "placeholder"} {
		if v, ok := sel.Attr(a); ok && v != "" {
			return v
		}
	}
	return ""
}

func attrContains(n *html.Node, name, needle string) bool {
	for _, a := range n.Attr {
		if name != "" && !strings.EqualFold(a.Key, name) {
			continue
		}
		if strings.Contains(fold(a.Val), needle) {
			return true
		}
	}
	return false
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// structuralPath builds a selector that matches exactly n, e.g.
// "html > body:nth-child(2) > div:nth-child(3) > button:nth-child(1)".
func structuralPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if cur.Parent == nil || cur.Parent.Type != html.ElementNode {
			parts = append(parts, cur.Data)
			break
		}
		pos := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode {
				pos++
			}
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", cur.Data, pos))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
