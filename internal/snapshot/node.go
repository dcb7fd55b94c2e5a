package snapshot

import (
	"sort"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// Node is one accessibility node after ignored and noise nodes have been
// folded away.
type Node struct {
	Role      string
	Name      string
	Value     string
	Attrs     map[string]string
	BackendID proto.DOMBackendNodeID
	Children  []*Node
}

// Roles that never produce a line; their children are lifted.
var dropRoles = map[string]bool{
	"InlineTextBox": true,
	"LineBreak":     true,
	"ListMarker":    true,
}

// AX properties surfaced as line attributes.
var keptProperties = map[string]bool{
	"checked":     true,
	"disabled":    true,
	"expanded":    true,
	"level":       true,
	"pressed":     true,
	"selected":    true,
	"required":    true,
	"readonly":    true,
	"invalid":     true,
	"focused":     true,
	"modal":       true,
	"multiline":   true,
	"haspopup":    true,
	"valuemin":    true,
	"valuemax":    true,
	"valuenow":    true,
	"placeholder": true,
}

// Parse builds a node tree from a flat Accessibility.getFullAXTree result.
// With scope set, the tree is rooted at the node backed by that DOM node;
// nil is returned when it is not in the tree.
func Parse(raw []*proto.AccessibilityAXNode, scope proto.DOMBackendNodeID) *Node {
	if len(raw) == 0 {
		return nil
	}
	byID := make(map[proto.AccessibilityAXNodeID]*proto.AccessibilityAXNode, len(raw))
	for _, n := range raw {
		byID[n.NodeID] = n
	}

	var root *proto.AccessibilityAXNode
	for _, n := range raw {
		if scope != 0 {
			if n.BackendDOMNodeID == scope {
				root = n
				break
			}
			continue
		}
		if n.ParentID == "" {
			root = n
			break
		}
	}
	if root == nil {
		return nil
	}

	visited := make(map[proto.AccessibilityAXNodeID]bool, len(raw))
	var build func(n *proto.AccessibilityAXNode) []*Node
	build = func(n *proto.AccessibilityAXNode) []*Node {
		if visited[n.NodeID] {
			return nil
		}
		visited[n.NodeID] = true

		var children []*Node
		for _, id := range n.ChildIDs {
			if c, ok := byID[id]; ok {
				children = append(children, build(c)...)
			}
		}

		role := axString(n.Role)
		if n.Ignored || role == "" || dropRoles[role] {
			return children
		}
		node := &Node{
			Role:      role,
			Name:      strings.TrimSpace(axString(n.Name)),
			Value:     axString(n.Value),
			Attrs:     properties(n.Properties),
			BackendID: n.BackendDOMNodeID,
			Children:  children,
		}
		if node.Role == "StaticText" {
			node.Children = nil
		} else if textOnly(node) {
			node.Children = nil
		}
		return []*Node{node}
	}

	nodes := build(root)
	switch len(nodes) {
	case 0:
		return &Node{Role: "RootWebArea"}
	case 1:
		return nodes[0]
	}
	return &Node{Role: "RootWebArea", Children: nodes}
}

// textOnly reports whether every child is static text repeating the name.
func textOnly(n *Node) bool {
	if n.Name == "" || len(n.Children) == 0 {
		return false
	}
	var parts []string
	for _, c := range n.Children {
		if c.Role != "StaticText" {
			return false
		}
		parts = append(parts, c.Name)
	}
	return collapseSpace(strings.Join(parts, " ")) == collapseSpace(n.Name)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func axString(v *proto.AccessibilityAXValue) string {
	if v == nil || v.Value.Nil() {
		return ""
	}
	return v.Value.Str()
}

func properties(props []*proto.AccessibilityAXProperty) map[string]string {
	var out map[string]string
	for _, p := range props {
		name := string(p.Name)
		if !keptProperties[name] || p.Value == nil {
			continue
		}
		val := axString(p.Value)
		// false flags carry no information.
		if val == "" || val == "false" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = val
	}
	return out
}

func sortedAttrKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
