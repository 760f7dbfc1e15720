package doctree

// PageRefType is the block node that references a child page.
const PageRefType = "page"

// PageRef returns a block node referencing pageID.
func PageRef(pageID, title string) *Node {
	attrs := map[string]any{"pageId": pageID}
	if title != "" {
		attrs["title"] = title
	}
	return &Node{Type: PageRefType, Attrs: attrs}
}

// Location describes where a node sits in a tree.
type Location struct {
	// Pos is the position immediately before the node.
	Pos    int
	Node   *Node
	Parent *Node
	Index  int
}

// FindNode returns the first node, in document order, for which match returns true.
func (s *Schema) FindNode(doc *Node, match func(*Node) bool) (Location, bool) {
	return s.find(doc, 0, match)
}

func (s *Schema) find(parent *Node, start int, match func(*Node) bool) (Location, bool) {
	off := start
	for i, child := range parent.Content {
		if match(child) {
			return Location{Pos: off, Node: child, Parent: parent, Index: i}, true
		}
		if child.Type != TextType && !s.Spec(child.Type).Leaf {
			if loc, ok := s.find(child, off+1, match); ok {
				return loc, true
			}
		}
		off += s.NodeSize(child)
	}
	return Location{}, false
}

// FindNodeByID returns the node whose "id" attribute equals id.
func FindNodeByID(doc *Node, id string) (Location, bool) {
	return defaultSchema.FindNode(doc, func(n *Node) bool { return n.Attr("id") == id })
}

// FindPageRef returns the block referencing pageID.
func FindPageRef(doc *Node, pageID string) (Location, bool) {
	return defaultSchema.FindNode(doc, func(n *Node) bool {
		return n.Type == PageRefType && n.Attr("pageId") == pageID
	})
}

// RemoveNodeStep returns a step deleting the node at loc. Inside an isolating
// container, or when the node is the only child of a container that must not
// be empty, the node is replaced by an empty placeholder block instead.
func (s *Schema) RemoveNodeStep(loc Location) ReplaceStep {
	st := ReplaceStep{From: loc.Pos, To: loc.Pos + s.NodeSize(loc.Node)}
	if loc.Parent == nil {
		return st
	}
	spec := s.Spec(loc.Parent.Type)
	if spec.Isolating || (spec.NonEmpty && len(loc.Parent.Content) == 1) {
		st.Slice.Content = []*Node{Placeholder()}
	}
	return st
}

// RemoveNodeStep builds a removal step under the default schema.
func RemoveNodeStep(loc Location) ReplaceStep { return defaultSchema.RemoveNodeStep(loc) }

// AppendNodeStep returns a step inserting n at the end of doc. A trailing
// empty placeholder paragraph is replaced rather than kept.
func (s *Schema) AppendNodeStep(doc *Node, n *Node) ReplaceStep {
	end := s.ContentSize(doc)
	st := ReplaceStep{From: end, To: end, Slice: Slice{Content: []*Node{n}}}
	if k := len(doc.Content); k == 1 && isEmptyPlaceholder(doc.Content[0]) {
		st.From = 0
	}
	return st
}

// AppendNodeStep builds an append step under the default schema.
func AppendNodeStep(doc *Node, n *Node) ReplaceStep { return defaultSchema.AppendNodeStep(doc, n) }

func isEmptyPlaceholder(n *Node) bool {
	return n.Type == "paragraph" && len(n.Content) == 0 && len(n.Attrs) == 0
}
