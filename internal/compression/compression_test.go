package compression

import (
	"bytes"
	"testing"
)

func TestZstdRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 512)
	encoded, err := Compress(data, "zstd")
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(encoded) >= len(data) {
		t.Fatalf("repetitive data did not shrink: %d >= %d", len(encoded), len(data))
	}
	decoded, err := Decompress(encoded, "ZSTD", 2)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecompressValidates(t *testing.T) {
	if _, err := Decompress([]byte{1, 2, 3}, "none", 2); err == nil {
		t.Fatalf("expected element size mismatch")
	}
	if _, err := Decompress([]byte{1, 2}, "bslz4", 1); err == nil {
		t.Fatalf("expected unsupported algorithm")
	}
	if _, err := Decompress([]byte{1}, "none", 0); err == nil {
		t.Fatalf("expected invalid element size")
	}
}
