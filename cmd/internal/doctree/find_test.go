package doctree

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return string(b)
}

func TestFindPageRef(t *testing.T) {
	t.Parallel()

	d := doc(para(Text("intro")), tableDoc(cell(PageRef("p1", "")), cell(para())).Content[0])

	loc, ok := FindPageRef(d, "p1")
	if !ok {
		t.Fatalf("FindPageRef: not found")
	}
	// paragraph occupies 0..7, table opens at 7, row at 8, cell at 9.
	if loc.Pos != 10 {
		t.Fatalf("Pos=%d want=10", loc.Pos)
	}
	if loc.Parent.Type != "table_cell" || loc.Index != 0 {
		t.Fatalf("parent=%s index=%d", loc.Parent.Type, loc.Index)
	}

	if _, ok := FindPageRef(d, "missing"); ok {
		t.Fatalf("FindPageRef(missing) found a node")
	}
}

func TestFindNodeByID(t *testing.T) {
	t.Parallel()

	target := &Node{Type: "heading", Attrs: map[string]any{"id": "h2"}, Content: []*Node{Text("b")}}
	d := doc(para(Text("a")), target)

	loc, ok := FindNodeByID(d, "h2")
	if !ok || loc.Node != target || loc.Pos != 3 {
		t.Fatalf("FindNodeByID=%+v ok=%v", loc, ok)
	}
}

func TestRemoveNodeStep(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   *Node
		want *Node
	}{
		{
			name: "top level sibling removed",
			in:   doc(para(Text("a")), PageRef("p1", "")),
			want: doc(para(Text("a"))),
		},
		{
			name: "only child of doc becomes placeholder",
			in:   doc(PageRef("p1", "")),
			want: doc(Placeholder()),
		},
		{
			name: "inside table cell becomes placeholder",
			in:   tableDoc(cell(PageRef("p1", "")), cell(para(Text("y")))),
			want: tableDoc(cell(Placeholder()), cell(para(Text("y")))),
		},
		{
			name: "inside table cell with siblings becomes placeholder",
			in:   tableDoc(cell(para(Text("x")), PageRef("p1", ""))),
			want: tableDoc(cell(para(Text("x")), Placeholder())),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			loc, ok := FindPageRef(tc.in, "p1")
			if !ok {
				t.Fatalf("page ref not found")
			}
			got := mustApply(t, tc.in, RemoveNodeStep(loc))
			if !Equal(got, tc.want) {
				t.Fatalf("got=%s\nwant=%s", mustJSON(t, got), mustJSON(t, tc.want))
			}
		})
	}
}

func TestAppendNodeStep(t *testing.T) {
	t.Parallel()

	empty := EmptyDoc()
	got := mustApply(t, empty, AppendNodeStep(empty, PageRef("p1", "")))
	if !Equal(got, doc(PageRef("p1", ""))) {
		t.Fatalf("append to empty doc: %s", mustJSON(t, got))
	}

	got = mustApply(t, got, AppendNodeStep(got, PageRef("p2", "")))
	if !Equal(got, doc(PageRef("p1", ""), PageRef("p2", ""))) {
		t.Fatalf("append: %s", mustJSON(t, got))
	}
}

func TestDecodeSteps(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
		{"stepType":"replace","from":1,"to":1,"slice":{"content":[{"type":"text","text":"hi"}]}},
		{"stepType":"addMark","from":1,"to":3,"mark":{"type":"bold"}}
	]`)
	steps, err := DecodeSteps(raw)
	if err != nil {
		t.Fatalf("DecodeSteps: %v", err)
	}
	got := mustApply(t, doc(para()), steps...)
	want := doc(para(Text("hi", Mark{Type: "bold"})))
	if !Equal(got, want) {
		t.Fatalf("got=%s want=%s", mustJSON(t, got), mustJSON(t, want))
	}

	encoded, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := DecodeSteps(encoded)
	if err != nil || len(again) != 2 || again[0].StepType() != StepReplace {
		t.Fatalf("re-decode=%v err=%v", again, err)
	}

	if _, err := DecodeSteps([]byte(`[{"stepType":"splitCell"}]`)); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err=%v want ErrUnknownStep", err)
	}
}
