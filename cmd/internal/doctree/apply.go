package doctree

import "unicode/utf16"

// Apply applies steps to doc under the default schema.
func Apply(doc *Node, steps []Step) (*Node, error) {
	return defaultSchema.Apply(doc, steps)
}

// Apply returns a new tree with steps applied in order. doc is never mutated.
// On failure the returned error is a *StructuralError carrying the index of
// the failing step.
func (s *Schema) Apply(doc *Node, steps []Step) (*Node, error) {
	if doc == nil {
		return nil, &StructuralError{Step: -1, Reason: "nil document"}
	}
	out := doc.Clone()
	for i, st := range steps {
		if st == nil {
			return nil, &StructuralError{Step: i, Reason: "nil step"}
		}
		if err := st.apply(s, out); err != nil {
			err.Step = i
			return nil, err
		}
	}
	return out, nil
}

func (st ReplaceStep) apply(s *Schema, doc *Node) *StructuralError {
	if st.From > st.To {
		return structural("replace: from %d after to %d", st.From, st.To)
	}
	if st.Slice.OpenStart != 0 || st.Slice.OpenEnd != 0 {
		return structural("replace: open slices are not supported")
	}
	from, ok := s.resolve(doc, st.From)
	if !ok {
		return structural("replace: position %d out of range", st.From)
	}
	to, ok := s.resolve(doc, st.To)
	if !ok {
		return structural("replace: position %d out of range", st.To)
	}
	if from.parent != to.parent {
		return structural("replace: range %d..%d spans more than one parent", st.From, st.To)
	}
	parent := from.parent
	if reason := s.checkContent(parent, st.Slice.Content); reason != "" {
		return structural("replace: %s", reason)
	}

	out := make([]*Node, 0, len(parent.Content)+len(st.Slice.Content)+2)
	out = append(out, parent.Content[:from.index]...)
	if from.textOff > 0 {
		head, _, err := splitText(parent.Content[from.index], from.textOff)
		if err != nil {
			return err
		}
		out = append(out, head)
	}
	for _, n := range st.Slice.Content {
		c := n.Clone()
		s.fillPlaceholders(c)
		out = append(out, c)
	}
	if to.textOff > 0 {
		_, tail, err := splitText(parent.Content[to.index], to.textOff)
		if err != nil {
			return err
		}
		out = append(out, tail)
		out = append(out, parent.Content[to.index+1:]...)
	} else {
		out = append(out, parent.Content[to.index:]...)
	}

	parent.Content = mergeText(out)
	if len(parent.Content) == 0 && s.Spec(parent.Type).NonEmpty {
		parent.Content = []*Node{Placeholder()}
	}
	return nil
}

func (st AddMarkStep) apply(s *Schema, doc *Node) *StructuralError {
	if st.Mark.Type == "" {
		return structural("addMark: missing mark type")
	}
	return s.markRange(doc, st.From, st.To, func(marks []Mark) []Mark {
		return withMark(marks, st.Mark)
	})
}

func (st RemoveMarkStep) apply(s *Schema, doc *Node) *StructuralError {
	if st.Mark.Type == "" {
		return structural("removeMark: missing mark type")
	}
	return s.markRange(doc, st.From, st.To, func(marks []Mark) []Mark {
		return withoutMark(marks, st.Mark.Type)
	})
}

func (st AttrStep) apply(s *Schema, doc *Node) *StructuralError {
	if st.Attr == "" {
		return structural("attr: missing attribute name")
	}
	r, ok := s.resolve(doc, st.Pos)
	if !ok {
		return structural("attr: position %d out of range", st.Pos)
	}
	if r.textOff > 0 || r.index >= len(r.parent.Content) {
		return structural("attr: no node starts at %d", st.Pos)
	}
	n := r.parent.Content[r.index]
	if n.Type == TextType {
		return structural("attr: text nodes have no attributes")
	}
	if st.Value == nil {
		delete(n.Attrs, st.Attr)
		if len(n.Attrs) == 0 {
			n.Attrs = nil
		}
		return nil
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any, 1)
	}
	n.Attrs[st.Attr] = cloneValue(st.Value)
	return nil
}

func (s *Schema) markRange(doc *Node, from, to int, update func([]Mark) []Mark) *StructuralError {
	if from > to {
		return structural("mark: from %d after to %d", from, to)
	}
	if from < 0 || to > s.ContentSize(doc) {
		return structural("mark: range %d..%d out of range", from, to)
	}
	if from == to {
		return nil
	}
	return s.markChildren(doc, 0, from, to, update)
}

func (s *Schema) markChildren(parent *Node, start, from, to int, update func([]Mark) []Mark) *StructuralError {
	out := make([]*Node, 0, len(parent.Content)+2)
	off := start
	for _, child := range parent.Content {
		end := off + s.NodeSize(child)
		if end <= from || off >= to {
			out = append(out, child)
			off = end
			continue
		}
		spec := s.Spec(child.Type)
		switch {
		case child.Type == TextType:
			a, b := max(from, off)-off, min(to, end)-off
			units := utf16.Encode([]rune(child.Text))
			if splitsSurrogate(units, a) || splitsSurrogate(units, b) {
				return structural("mark: range splits a surrogate pair")
			}
			if a > 0 {
				out = append(out, &Node{Type: TextType, Text: string(utf16.Decode(units[:a])), Marks: child.Marks})
			}
			out = append(out, &Node{Type: TextType, Text: string(utf16.Decode(units[a:b])), Marks: update(child.Marks)})
			if b < len(units) {
				out = append(out, &Node{Type: TextType, Text: string(utf16.Decode(units[b:])), Marks: child.Marks})
			}
		case spec.Leaf && spec.Inline:
			child.Marks = update(child.Marks)
			out = append(out, child)
		case !spec.Leaf:
			if err := s.markChildren(child, off+1, from, to, update); err != nil {
				return err
			}
			out = append(out, child)
		default:
			out = append(out, child)
		}
		off = end
	}
	parent.Content = mergeText(out)
	return nil
}

func splitText(n *Node, at int) (*Node, *Node, *StructuralError) {
	units := utf16.Encode([]rune(n.Text))
	if at <= 0 || at >= len(units) || splitsSurrogate(units, at) {
		return nil, nil, structural("text split at %d is invalid", at)
	}
	head := &Node{Type: TextType, Text: string(utf16.Decode(units[:at])), Marks: n.Marks}
	tail := &Node{Type: TextType, Text: string(utf16.Decode(units[at:])), Marks: n.Marks}
	return head, tail, nil
}

func splitsSurrogate(units []uint16, at int) bool {
	return at > 0 && at < len(units) && utf16.IsSurrogate(rune(units[at])) && units[at] >= 0xDC00
}
