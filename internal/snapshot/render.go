package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

var interactiveRoles = map[string]bool{
	"button":           true,
	"link":             true,
	"textbox":          true,
	"searchbox":        true,
	"checkbox":         true,
	"radio":            true,
	"combobox":         true,
	"listbox":          true,
	"option":           true,
	"menuitem":         true,
	"menuitemcheckbox": true,
	"menuitemradio":    true,
	"tab":              true,
	"switch":           true,
	"slider":           true,
	"spinbutton":       true,
	"treeitem":         true,
}

// Content roles get a ref only when they carry a name.
var contentRoles = map[string]bool{
	"heading":      true,
	"cell":         true,
	"gridcell":     true,
	"columnheader": true,
	"rowheader":    true,
	"listitem":     true,
	"article":      true,
	"region":       true,
	"image":        true,
	"img":          true,
	"figure":       true,
	"dialog":       true,
	"alertdialog":  true,
	"alert":        true,
	"tabpanel":     true,
	"status":       true,
}

// Wrapper roles compact mode folds away when they have no name or
// attributes.
var structuralRoles = map[string]bool{
	"generic":         true,
	"group":           true,
	"none":            true,
	"presentation":    true,
	"Section":         true,
	"paragraph":       true,
	"LabelText":       true,
	"div":             true,
	"LayoutTable":     true,
	"LayoutTableRow":  true,
	"LayoutTableCell": true,
}

// IsInteractive reports whether role accepts user input.
func IsInteractive(role string) bool { return interactiveRoles[role] }

func referenceable(n *Node) bool {
	if interactiveRoles[n.Role] {
		return true
	}
	return contentRoles[n.Role] && n.Name != ""
}

// Options select the view of the tree.
type Options struct {
	// Interactive keeps only interactive nodes.
	Interactive bool `json:"interactive,omitempty"`
	// Compact folds unnamed structural wrappers.
	Compact bool `json:"compact,omitempty"`
	// MaxDepth limits the emitted depth; 0 is unlimited.
	MaxDepth int `json:"maxDepth,omitempty"`
	// Selector scopes the snapshot to the subtree of the first match.
	Selector string `json:"selector,omitempty"`
	// Delta returns only what changed since the previous capture.
	Delta bool `json:"delta,omitempty"`
}

func (o Options) fingerprint() string {
	return fmt.Sprintf("i=%t c=%t d=%d s=%q", o.Interactive, o.Compact, o.MaxDepth, o.Selector)
}

// Ref addresses one node of a snapshot.
type Ref struct {
	Key   string            `json:"ref"`
	Role  string            `json:"role"`
	Name  string            `json:"name"`
	Nth   *int              `json:"nth,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`

	BackendID proto.DOMBackendNodeID `json:"-"`
}

// Index returns the nth value, 0 when unset.
func (r Ref) Index() int {
	if r.Nth == nil {
		return 0
	}
	return *r.Nth
}

// Stats describe a rendered snapshot.
type Stats struct {
	Lines       int  `json:"lines"`
	Refs        int  `json:"refs"`
	Interactive int  `json:"interactive"`
	Chars       int  `json:"chars"`
	Truncated   bool `json:"truncated,omitempty"`
}

// Result is a rendered snapshot.
type Result struct {
	Tree  string `json:"tree"`
	Refs  []Ref  `json:"refs"`
	Stats Stats  `json:"stats"`
	Hash  string `json:"hash"`
	Scope string `json:"scope,omitempty"`
}

// Table indexes the refs by key.
func (r *Result) Table() RefTable {
	t := RefTable{Scope: r.Scope, Refs: make(map[string]Ref, len(r.Refs))}
	for _, ref := range r.Refs {
		t.Refs[ref.Key] = ref
	}
	return t
}

// RefTable is the lookup side of a snapshot, kept by the session.
type RefTable struct {
	Scope string
	Refs  map[string]Ref
}

// Lookup finds a ref by key, accepting "e3", "@e3" or "ref=e3".
func (t RefTable) Lookup(s string) (Ref, bool) {
	key, ok := ParseRef(s)
	if !ok {
		return Ref{}, false
	}
	r, ok := t.Refs[key]
	return r, ok
}

// ParseRef extracts the key from a ref selector.
func ParseRef(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimPrefix(s, "ref=")
	if len(s) < 2 || s[0] != 'e' {
		return "", false
	}
	if _, err := strconv.Atoi(s[1:]); err != nil {
		return "", false
	}
	return s, true
}

// IsRef reports whether a selector addresses a ref instead of CSS.
func IsRef(selector string) bool {
	s := strings.TrimSpace(selector)
	if !strings.HasPrefix(s, "@") && !strings.HasPrefix(s, "ref=") {
		return false
	}
	_, ok := ParseRef(s)
	return ok
}

type pair struct{ role, name string }

// Render walks the tree twice: the first pass finds (role, name) pairs that
// occur more than once, the second emits lines and mints refs. nth is set
// only on ambiguous pairs and counts in document order over the whole
// tree, so it does not depend on the view.
func Render(root *Node, opts Options) *Result {
	counts := make(map[pair]int)
	countPairs(root, counts)

	w := &walker{
		opts:      opts,
		ambiguous: counts,
		seen:      make(map[pair]int),
	}
	if root != nil {
		if root.Role == "RootWebArea" || root.Role == "WebArea" {
			for _, c := range root.Children {
				w.walk(c, 0)
			}
		} else {
			w.walk(root, 0)
		}
	}

	tree := w.b.String()
	w.stats.Chars = len(tree)
	w.stats.Refs = len(w.refs)
	return &Result{
		Tree:  tree,
		Refs:  w.refs,
		Stats: w.stats,
		Hash:  Hash(root, opts),
		Scope: opts.Selector,
	}
}

func countPairs(n *Node, counts map[pair]int) {
	if n == nil {
		return
	}
	if referenceable(n) {
		counts[pair{n.Role, n.Name}]++
	}
	for _, c := range n.Children {
		countPairs(c, counts)
	}
}

type walker struct {
	opts      Options
	ambiguous map[pair]int
	seen      map[pair]int
	b         strings.Builder
	refs      []Ref
	stats     Stats
}

func (w *walker) walk(n *Node, depth int) {
	ref := referenceable(n)
	var nth int
	if ref {
		k := pair{n.Role, n.Name}
		nth = w.seen[k]
		w.seen[k]++
	}

	childDepth := depth
	if w.visible(n) {
		if w.opts.MaxDepth > 0 && depth >= w.opts.MaxDepth {
			w.stats.Truncated = true
		} else {
			w.line(n, depth, ref, nth)
			childDepth = depth + 1
		}
	}
	for _, c := range n.Children {
		w.walk(c, childDepth)
	}
}

func (w *walker) visible(n *Node) bool {
	switch {
	case w.opts.Interactive:
		return interactiveRoles[n.Role]
	case w.opts.Compact && n.Role == "StaticText":
		return n.Name != ""
	case w.opts.Compact && structuralRoles[n.Role]:
		return n.Name != "" || len(n.Attrs) > 0
	}
	return true
}

func (w *walker) line(n *Node, depth int, ref bool, nth int) {
	w.b.WriteString(strings.Repeat("  ", depth))
	w.b.WriteString("- ")
	if n.Role == "StaticText" {
		w.b.WriteString("text: ")
		w.b.WriteString(n.Name)
		w.b.WriteByte('\n')
		w.stats.Lines++
		return
	}

	w.b.WriteString(n.Role)
	if n.Name != "" {
		w.b.WriteByte(' ')
		w.b.WriteString(strconv.Quote(n.Name))
	}
	for _, k := range sortedAttrKeys(n.Attrs) {
		v := n.Attrs[k]
		if v == "true" {
			fmt.Fprintf(&w.b, " [%s]", k)
		} else {
			fmt.Fprintf(&w.b, " [%s=%s]", k, v)
		}
	}
	if ref {
		r := Ref{
			Key:       "e" + strconv.Itoa(len(w.refs)+1),
			Role:      n.Role,
			Name:      n.Name,
			Attrs:     n.Attrs,
			BackendID: n.BackendID,
		}
		if w.ambiguous[pair{n.Role, n.Name}] > 1 {
			idx := nth
			r.Nth = &idx
			fmt.Fprintf(&w.b, " [ref=%s] [nth=%d]", r.Key, nth)
		} else {
			fmt.Fprintf(&w.b, " [ref=%s]", r.Key)
		}
		w.refs = append(w.refs, r)
	}
	if n.Value != "" && n.Value != n.Name {
		w.b.WriteString(": ")
		w.b.WriteString(n.Value)
	}
	w.b.WriteByte('\n')
	w.stats.Lines++
	if interactiveRoles[n.Role] {
		w.stats.Interactive++
	}
}

// Hash fingerprints the whole tree together with the view options.
func Hash(root *Node, opts Options) string {
	h := sha256.New()
	fmt.Fprintln(h, opts.fingerprint())
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s", depth, n.Role, n.Name, n.Value)
		for _, k := range sortedAttrKeys(n.Attrs) {
			fmt.Fprintf(h, "\x00%s=%s", k, n.Attrs[k])
		}
		h.Write([]byte{'\n'})
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	if root != nil {
		walk(root, 0)
	}
	return hex.EncodeToString(h.Sum(nil))
}
