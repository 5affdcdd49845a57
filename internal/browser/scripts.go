// internal/browser/scripts.go
package browser

import "fmt"

// jsString quotes a Go string as a JS string literal. JSON string syntax is
// a subset of JS, astral runes included.
func jsString(value string) string {
	b, err := json.Marshal(value)
	if err != nil {
		// Strings always encode; invalid UTF-8 becomes U+FFFD.
		return `""`
	}
	return string(b)
}

// queryVisibleJS lists visible, enabled matches of a selector without
// throwing; an invalid selector is reported via the error field.
const queryVisibleJS = `(function(sel) {
  let nodes;
  try { nodes = document.querySelectorAll(sel); } catch (e) { return {error: String(e)}; }
  const out = [];
  nodes.forEach(function(el, i) {
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    const visible = r.width > 0 && r.height > 0 &&
      s.visibility !== 'hidden' && s.display !== 'none' && s.opacity !== '0';
    const enabled = !el.disabled && el.getAttribute('aria-disabled') !== 'true';
    if (visible && enabled) {
      const text = (el.innerText || el.value || el.getAttribute('aria-label') || '').trim();
      out.push({index: i, tag: el.tagName.toLowerCase(), text: text.slice(0, 120)});
    }
  });
  return {matches: out};
})(%s)`

// elementCenterJS scrolls the element into view and returns its centre.
const elementCenterJS = `(function(sel, idx) {
  const el = document.querySelectorAll(sel)[idx];
  if (!el) { return {found: false}; }
  el.scrollIntoView({block: 'center', inline: 'center'});
  const r = el.getBoundingClientRect();
  return {found: true, x: r.left + r.width / 2, y: r.top + r.height / 2};
})(%s, %d)`

// focusClearJS focuses the element and empties it, firing the events
// frameworks listen for so their state resets too.
const focusClearJS = `(function(sel, idx, clear) {
  const el = document.querySelectorAll(sel)[idx];
  if (!el) { return false; }
  el.focus();
  if (clear) {
    if ('value' in el) {
      el.value = '';
    } else if (el.isContentEditable) {
      el.textContent = '';
    }
    el.dispatchEvent(new Event('input', {bubbles: true}));
  }
  return true;
})(%s, %d, %t)`

const readLocalStorageJS = `JSON.stringify(Object.fromEntries(Object.keys(localStorage).map(k => [k, localStorage.getItem(k)])))`

func queryVisibleExpr(selector string) string {
	return fmt.Sprintf(queryVisibleJS, jsString(selector))
}

func elementCenterExpr(h elementRef) string {
	return fmt.Sprintf(elementCenterJS, jsString(h.selector), h.index)
}

func focusExpr(h elementRef, clear bool) string {
	return fmt.Sprintf(focusClearJS, jsString(h.selector), h.index, clear)
}

func setLocalStorageExpr(key, value string) string {
	return fmt.Sprintf("window.localStorage.setItem(%s, %s);", jsString(key), jsString(value))
}

type elementRef struct {
	selector string
	index    int
}
