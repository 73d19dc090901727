package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Algorithm names as they appear in frame messages and frame logs.
const (
	None = "none"
	Zstd = "zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder, decoderErr
}

// Compress encodes data with algorithm.
func Compress(data []byte, algorithm string) ([]byte, error) {
	switch normalize(algorithm) {
	case None:
		return data, nil
	case Zstd:
		enc, err := sharedEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

// Decompress decodes encoded. elemSize is the element width of the typed
// array the payload belongs to; the decoded length must be a multiple of it.
func Decompress(encoded []byte, algorithm string, elemSize int) ([]byte, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("invalid element size %d", elemSize)
	}
	var out []byte
	switch normalize(algorithm) {
	case None:
		out = encoded
	case Zstd:
		dec, err := sharedDecoder()
		if err != nil {
			return nil, err
		}
		out, err = dec.DecodeAll(encoded, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompression failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
	if len(out)%elemSize != 0 {
		return nil, fmt.Errorf("decompressed size %d is not a multiple of element size %d", len(out), elemSize)
	}
	return out, nil
}

func normalize(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none", "raw":
		return None
	case "zstd", "zst", "zstandard":
		return Zstd
	default:
		return value
	}
}
