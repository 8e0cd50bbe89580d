package crc

import "testing"

func TestCcitt_vectors(t *testing.T) {
	vectors := []struct {
		input    []byte
		expected uint16
	}{
		{[]byte{}, 0x0000},
		{[]byte{0x3B, 0x19}, 0x5A77},
		{[]byte{0xBA, 0x29, 0x61, 0xFD, 0xA3}, 0xE0E6},
	}

	for i, v := range vectors {
		actual := Ccitt(v.input)
		if actual != v.expected {
			t.Fatalf("vector (%d): got 0x%04X, expected 0x%04X", i, actual, v.expected)
		}
	}
}

func TestCcitt_empty(t *testing.T) {
	if Ccitt(nil) != 0 {
		t.Fatalf("CRC of empty input must be zero")
	}
}

func TestWriter_matchesWholeInput(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	w := NewWriter()

	_, err := w.Write(data[:10])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = w.Write(data[10:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Sum16() != Ccitt(data) {
		t.Fatalf("streamed CRC (0x%04X) did not match whole-input CRC (0x%04X)", w.Sum16(), Ccitt(data))
	}
}
