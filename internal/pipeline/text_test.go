package pipeline

import "testing"

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"hello   world", "hello world"},
		{"5 ± 2", "5 plus or minus 2"},
		{"a × b", "a times b"},
		{"a ÷ b", "a divided by b"},
		{"x ≈ y", "x approximately y"},
		{"x ≤ y", "x less than or equal to y"},
		{"x ≥ y", "x greater than or equal to y"},
		{"π r squared", "pi r squared"},
		{"90°", "90 degrees"},
		{"50%", "50 percent"},
		{"  leading and trailing  ", "leading and trailing"},
	}

	for _, c := range cases {
		if got := NormalizeText(c.in); got != c.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeText_Empty(t *testing.T) {
	if got := NormalizeText("   "); got != "" {
		t.Errorf("expected empty string for whitespace-only input, got %q", got)
	}
}
