package doctree

import "unicode/utf16"

// NodeSpec describes how a node type behaves under step application.
type NodeSpec struct {
	// Leaf nodes have no content and occupy a single position.
	Leaf bool
	// Inline nodes live inside textblocks.
	Inline bool
	// InlineContent nodes (textblocks) hold only text and inline nodes.
	InlineContent bool
	// NonEmpty containers must always hold at least one block; an empty
	// paragraph is substituted when an edit would leave them empty.
	NonEmpty bool
	// Isolating containers (table cells, columns) cannot be split or joined
	// by a replace step.
	Isolating bool
}

// Schema maps node types to their specs. Unknown types are treated as block
// containers without content constraints.
type Schema struct {
	nodes map[string]NodeSpec
}

// NewSchema builds a schema from explicit specs.
func NewSchema(nodes map[string]NodeSpec) *Schema {
	m := make(map[string]NodeSpec, len(nodes)+1)
	for k, v := range nodes {
		m[k] = v
	}
	m[TextType] = NodeSpec{Inline: true}
	return &Schema{nodes: m}
}

var defaultSchema = NewSchema(map[string]NodeSpec{
	"doc":             {NonEmpty: true},
	"paragraph":       {InlineContent: true},
	"heading":         {InlineContent: true},
	"code_block":      {InlineContent: true},
	"blockquote":      {NonEmpty: true},
	"bullet_list":     {},
	"ordered_list":    {},
	"list_item":       {NonEmpty: true},
	"table":           {},
	"table_row":       {},
	"table_cell":      {NonEmpty: true, Isolating: true},
	"table_header":    {NonEmpty: true, Isolating: true},
	"column_list":     {},
	"column":          {NonEmpty: true, Isolating: true},
	"page":            {Leaf: true},
	"image":           {Leaf: true},
	"horizontal_rule": {Leaf: true},
	"hard_break":      {Leaf: true, Inline: true},
	"mention":         {Leaf: true, Inline: true},
})

// DefaultSchema returns the schema used by the server.
func DefaultSchema() *Schema { return defaultSchema }

// Spec returns the NodeSpec for a node type. Unknown types are opaque blocks.
func (s *Schema) Spec(nodeType string) NodeSpec {
	return s.nodes[nodeType]
}

// NodeSize returns the number of positions n occupies.
func (s *Schema) NodeSize(n *Node) int {
	if n.Type == TextType {
		return utf16Len(n.Text)
	}
	if s.Spec(n.Type).Leaf {
		return 1
	}
	return 2 + s.ContentSize(n)
}

// ContentSize returns the number of positions inside n.
func (s *Schema) ContentSize(n *Node) int {
	size := 0
	for _, c := range n.Content {
		size += s.NodeSize(c)
	}
	return size
}

// ContentSize returns the content size of n under the default schema.
func ContentSize(n *Node) int { return defaultSchema.ContentSize(n) }

// NodeSize returns the size of n under the default schema.
func NodeSize(n *Node) int { return defaultSchema.NodeSize(n) }

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if utf16.RuneLen(r) == 2 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// resolved is a position expressed relative to its deepest parent.
type resolved struct {
	parent *Node
	// index of the child the position sits before, or inside when textOff > 0.
	index   int
	textOff int
	depth   int
}

func (s *Schema) resolve(doc *Node, pos int) (resolved, bool) {
	if pos < 0 || pos > s.ContentSize(doc) {
		return resolved{}, false
	}
	parent := doc
	depth := 0
	for {
		off := 0
		next := -1
		for i, child := range parent.Content {
			if pos == off {
				return resolved{parent: parent, index: i, depth: depth}, true
			}
			end := off + s.NodeSize(child)
			if pos < end {
				if child.Type == TextType {
					return resolved{parent: parent, index: i, textOff: pos - off, depth: depth}, true
				}
				next = i
				pos -= off + 1
				break
			}
			off = end
		}
		if next < 0 {
			return resolved{parent: parent, index: len(parent.Content), depth: depth}, true
		}
		parent = parent.Content[next]
		depth++
	}
}

// checkContent validates that nodes may be placed inside parent.
func (s *Schema) checkContent(parent *Node, nodes []*Node) string {
	ps := s.Spec(parent.Type)
	_, known := s.nodes[parent.Type]
	for _, n := range nodes {
		if n == nil || n.Type == "" {
			return "node without type"
		}
		ns := s.Spec(n.Type)
		if known {
			if ps.InlineContent && !ns.Inline {
				return "block node " + n.Type + " inside " + parent.Type
			}
			if !ps.InlineContent && ns.Inline {
				return "inline node " + n.Type + " inside " + parent.Type
			}
		}
		switch {
		case n.Type == TextType:
			if n.Text == "" {
				return "empty text node"
			}
			if len(n.Content) > 0 {
				return "text node with content"
			}
		case ns.Leaf:
			if len(n.Content) > 0 || n.Text != "" {
				return "leaf node " + n.Type + " with content"
			}
		default:
			if n.Text != "" {
				return "non-text node " + n.Type + " with text"
			}
			if reason := s.checkContent(n, n.Content); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// fillPlaceholders gives every empty NonEmpty container in n a placeholder block.
func (s *Schema) fillPlaceholders(n *Node) {
	if n.Type == TextType || s.Spec(n.Type).Leaf {
		return
	}
	for _, c := range n.Content {
		s.fillPlaceholders(c)
	}
	if len(n.Content) == 0 && s.Spec(n.Type).NonEmpty {
		n.Content = []*Node{Placeholder()}
	}
}
