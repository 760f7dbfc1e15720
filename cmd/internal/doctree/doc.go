// Package doctree implements the document tree and the step applier used by
// live editing and by server-side structural mutations.
//
// A document is a tree of Nodes addressed by integer positions. Positions
// follow the usual rich-text model: a text node occupies one position per
// UTF-16 code unit, a leaf node occupies one position, and any other node
// occupies its content plus an opening and a closing token.
//
// Apply is pure: it never mutates its input tree and returns either a new
// tree or a *StructuralError naming the failing step.
package doctree
