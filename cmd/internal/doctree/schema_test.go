package doctree

import "testing"

func TestTextSize_CountsUTF16Units(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{in: "", want: 0},
		{in: "abc", want: 3},
		{in: "é", want: 1},
		{in: "世界", want: 2},
		{in: "\U0001F600", want: 2},
		{in: "a\U0001F600b\U0001D11E", want: 6},
		{in: "\xff", want: 1},
	}
	for _, tc := range cases {
		if got := utf16Len(tc.in); got != tc.want {
			t.Fatalf("utf16Len(%q)=%d want=%d", tc.in, got, tc.want)
		}
		if got := NodeSize(Text(tc.in)); got != tc.want {
			t.Fatalf("NodeSize(Text(%q))=%d want=%d", tc.in, got, tc.want)
		}
	}
}
