package guuid

import "testing"

func TestNewProducesDistinctNonZeroIDs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.IsZero() || b.IsZero() {
		t.Fatalf("New produced a zero GUUID")
	}
	if a.Equal(b) {
		t.Fatalf("two New() calls produced equal GUUIDs")
	}
}

func TestStringRoundTripsThroughFromString(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parsed, err := FromString(g.String())
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if !parsed.Equal(g) {
		t.Fatalf("FromString(g.String()) = %v, want %v", parsed, g)
	}
}

func TestFromStringAcceptsHyphenatedForm(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parsed, err := FromString(g.StringWithHyphens())
	if err != nil {
		t.Fatalf("FromString(hyphenated): %v", err)
	}
	if !parsed.Equal(g) {
		t.Fatalf("round trip through hyphenated form mismatched")
	}
}

func TestFromStringRejectsWrongLength(t *testing.T) {
	if _, err := FromString("not-a-guuid"); err == nil {
		t.Fatalf("FromString with invalid length: err = nil, want error")
	}
}

func TestFromStringRejectsNonHex(t *testing.T) {
	bad := "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	if _, err := FromString(bad); err == nil {
		t.Fatalf("FromString with non-hex input: err = nil, want error")
	}
}

func TestNewWithTimestampEmbedsTimestamp(t *testing.T) {
	g, err := NewWithTimestamp()
	if err != nil {
		t.Fatalf("NewWithTimestamp: %v", err)
	}
	if g.Timestamp().Unix() <= 0 {
		t.Fatalf("Timestamp() = %v, want a positive unix time", g.Timestamp())
	}
}

func TestZeroIsZero(t *testing.T) {
	if !Zero().IsZero() {
		t.Fatalf("Zero().IsZero() = false, want true")
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := g.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var g2 GUUID
	if err := g2.UnmarshalText(b); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !g2.Equal(g) {
		t.Fatalf("UnmarshalText(MarshalText(g)) = %v, want %v", g2, g)
	}
}
