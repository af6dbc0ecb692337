package mcnet

import "testing"

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"", "hello", "pl4y3r_One", "unicode: éè"}

	for _, s := range cases {
		encoded := AppendString(nil, s)

		decoded, n, err := ReadStringBuffered(encoded, 0)
		if err != nil {
			t.Fatalf("ReadStringBuffered(%q): %v", s, err)
		}
		if decoded != s {
			t.Fatalf("ReadStringBuffered(%q) = %q", s, decoded)
		}
		if n != len(encoded) {
			t.Fatalf("ReadStringBuffered(%q) consumed %d, want %d", s, n, len(encoded))
		}
	}
}

func TestReadStringBufferedOverrun(t *testing.T) {
	buf := AppendVarInt(nil, 10) // declares 10 bytes, provides none
	if _, _, err := ReadStringBuffered(buf, 0); err == nil {
		t.Fatal("expected error on string length overrunning buffer")
	}
}

func TestReadStringBufferedInvalidUTF8(t *testing.T) {
	buf := AppendVarInt(nil, 1)
	buf = append(buf, 0xFF)
	if _, _, err := ReadStringBuffered(buf, 0); err == nil {
		t.Fatal("expected error on invalid utf-8")
	}
}

func TestReadStringBufferedAtOffset(t *testing.T) {
	prefix := []byte{0xAA, 0xBB}
	buf := append(append([]byte{}, prefix...), AppendString(nil, "offset-test")...)

	decoded, n, err := ReadStringBuffered(buf, len(prefix))
	if err != nil {
		t.Fatalf("ReadStringBuffered at offset: %v", err)
	}
	if decoded != "offset-test" {
		t.Fatalf("decoded = %q", decoded)
	}
	if len(prefix)+n != len(buf) {
		t.Fatalf("consumed %d bytes from offset, want %d", n, len(buf)-len(prefix))
	}
}
