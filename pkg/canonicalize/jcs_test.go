package canonicalize

import (
	"testing"
)

func TestJCSKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"y": true, "x": false}}
	b := map[string]any{"c": map[string]any{"x": false, "y": true}, "a": 1, "b": 2}

	ca, err := JCSString(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := JCSString(b)
	if err != nil {
		t.Fatal(err)
	}
	if ca != cb {
		t.Fatalf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	want := `{"a":1,"b":2,"c":{"x":false,"y":true}}`
	if ca != want {
		t.Fatalf("canonical form = %s, want %s", ca, want)
	}
}

func TestCanonicalHashStable(t *testing.T) {
	v := map[string]any{"action": "message_processed", "outcome": "success"}
	h1, err := CanonicalHash(v)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"outcome": "success", "action": "message_processed"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable under key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestFingerprint128(t *testing.T) {
	fp, err := Fingerprint128(map[string]any{"source": "agent-1", "score": 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if len(fp) != 32 {
		t.Fatalf("fingerprint length = %d, want 32 hex chars", len(fp))
	}

	fp2, err := Fingerprint128(map[string]any{"score": 0.7, "source": "agent-1"})
	if err != nil {
		t.Fatal(err)
	}
	if fp != fp2 {
		t.Fatal("fingerprint changed under key reordering")
	}

	fp3, err := Fingerprint128(map[string]any{"source": "agent-2", "score": 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if fp == fp3 {
		t.Fatal("distinct inputs collided")
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	got, err := JCSString(map[string]any{"q": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"q":"a<b>&c"}` {
		t.Fatalf("HTML characters escaped: %s", got)
	}
}
