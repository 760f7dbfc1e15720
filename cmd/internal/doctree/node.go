package doctree

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// TextType is the node type of text leaves.
const TextType = "text"

// Mark is an inline annotation such as bold or link.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Node is one element of a document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// EmptyDoc returns a document holding a single empty paragraph.
func EmptyDoc() *Node {
	return &Node{Type: "doc", Content: []*Node{Placeholder()}}
}

// Placeholder returns the empty block substituted into containers that must not be empty.
func Placeholder() *Node {
	return &Node{Type: "paragraph"}
}

// Text returns a text node.
func Text(s string, marks ...Mark) *Node {
	return &Node{Type: TextType, Text: s, Marks: marks}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Type:  n.Type,
		Text:  n.Text,
		Attrs: cloneAttrs(n.Attrs),
	}
	if n.Marks != nil {
		out.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			out.Marks[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
		}
	}
	if n.Content != nil {
		out.Content = make([]*Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = c.Clone()
		}
	}
	return out
}

// Attr returns the string value of attribute key, or "".
func (n *Node) Attr(key string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	s, _ := n.Attrs[key].(string)
	return s
}

// Equal reports whether two trees have the same wire form. Nil and empty
// collections compare equal, as do numerically equal attribute values.
func Equal(a, b *Node) bool {
	x, errA := json.Marshal(a)
	y, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(x, y)
}

func cloneAttrs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAttrs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func marksEqual(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type || !reflect.DeepEqual(a[i].Attrs, b[i].Attrs) {
			return false
		}
	}
	return true
}

// withMark returns marks with m added, replacing any mark of the same type.
func withMark(marks []Mark, m Mark) []Mark {
	out := make([]Mark, 0, len(marks)+1)
	for _, e := range marks {
		if e.Type != m.Type {
			out = append(out, e)
		}
	}
	out = append(out, Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func withoutMark(marks []Mark, markType string) []Mark {
	var out []Mark
	for _, e := range marks {
		if e.Type != markType {
			out = append(out, e)
		}
	}
	return out
}

// mergeText drops empty text nodes and joins adjacent text nodes carrying the same marks.
func mergeText(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == TextType {
			if n.Text == "" {
				continue
			}
			if k := len(out); k > 0 && out[k-1].Type == TextType && marksEqual(out[k-1].Marks, n.Marks) {
				out[k-1] = &Node{Type: TextType, Text: out[k-1].Text + n.Text, Marks: out[k-1].Marks}
				continue
			}
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
