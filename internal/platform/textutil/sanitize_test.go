package textutil

import "testing"

func TestCleanUserText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain text untouched", input: "Happy birthday!", want: "Happy birthday!"},
		{name: "markup stripped", input: `<script>alert(1)</script>with love`, want: "with love"},
		{name: "tags removed text kept", input: "<b>Dune</b> (hardcover)", want: "Dune (hardcover)"},
		{name: "whitespace trimmed", input: "  wrapped  ", want: "wrapped"},
		{name: "empty", input: "", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanUserText(tc.input); got != tc.want {
				t.Fatalf("CleanUserText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
