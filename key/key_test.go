package key

import "testing"

func TestString_Deterministic(t *testing.T) {
	a := NewVariant("price", "42", "user-7")
	b := NewVariant("price", "42", "user-7")
	if a.String() != b.String() {
		t.Fatalf("identical lookups rendered differently: %q vs %q", a, b)
	}
	if got, want := a.String(), "hoard:price:42:user-7"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestString_NoCollisions(t *testing.T) {
	// Separator characters inside segments must not let two distinct
	// logical keys render identically.
	pairs := [][2]Key{
		{New("product", "a:b"), NewVariant("product", "a", "b")},
		{New("product:a", "b"), New("product", "a:b")},
		{New("session", `a\`), New("session", `a\\`)},
	}
	for _, p := range pairs {
		if p[0].String() == p[1].String() {
			t.Errorf("collision: %#v and %#v both render %q", p[0], p[1], p[0].String())
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	keys := []Key{
		New("product", "1"),
		NewVariant("price", "1", "user:9"),
		New("session", `weird*[id]?\`),
	}
	for _, k := range keys {
		got, err := Parse(k.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", k.String(), err)
		}
		if got != k {
			t.Fatalf("round trip: got %#v, want %#v", got, k)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, s := range []string{"", "other:product:1", "hoard:product", `hoard:product:1\`} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestPatterns_EscapeGlobs(t *testing.T) {
	// An identity containing glob metacharacters must not over-match: the
	// rendered key escapes the star once, the pattern escapes both the
	// introduced backslash and the star.
	got := VariantPattern("product", "a*b")
	if got != `hoard:product:a\\\*b:*` {
		t.Fatalf("got %q", got)
	}
	if got := TypePattern("price"); got != "hoard:price:*" {
		t.Fatalf("got %q", got)
	}
}

func TestVariantPattern_ExcludesBaseKey(t *testing.T) {
	// Evicting variants of identity "1" must cover neither the base key nor
	// any key of identity "10".
	pat := VariantPattern("product", "1")
	if pat != "hoard:product:1:*" {
		t.Fatalf("got %q", pat)
	}
}
