package serialize

import "testing"

type sample struct {
	A string
	B int
	C []byte
}

func TestRoundTrip(t *testing.T) {
	in := sample{A: "hello", B: 42, C: []byte{1, 2, 3}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out.A != in.A || out.B != in.B || len(out.C) != len(in.C) {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDeterministic(t *testing.T) {
	in := sample{A: "x", B: 1}
	a, _ := Marshal(in)
	b, _ := Marshal(in)
	if string(a) != string(b) {
		t.Fatal("Marshal must be deterministic for the same value")
	}
}
