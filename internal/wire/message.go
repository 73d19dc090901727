package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Message kinds.
const (
	TypeImage = "image"
	TypeStart = "start"
	TypeEnd   = "end"
)

var ErrNotImage = errors.New("wire: not an image message")

// Frame is a decoded, tightly packed 8-bit frame.
type Frame struct {
	Sequence  uint64
	Timestamp float64
	Width     int
	Height    int
	Pix       []byte
}

// Message is one CBOR message:
//
//	{ "type": "image", "frame_id": <uint>, "timestamp": <float>,
//	  "bit_depth": <int, optional>, "data": <tag 40 array> }
//
// Non-image messages carry arbitrary metadata.
type Message struct {
	Type  string
	Frame Frame
	Meta  map[string]any
}

// EncodeFrame builds an image message for the visible width x height
// pixels of pix, whose rows are stride bytes apart.
func EncodeFrame(seq uint64, ts time.Time, width, height, stride int, pix []byte, algorithm string) ([]byte, error) {
	if width <= 0 || height <= 0 || stride < width || len(pix) < stride*(height-1)+width {
		return nil, fmt.Errorf("wire: bad frame geometry %dx%d stride %d len %d", width, height, stride, len(pix))
	}
	packed := pix
	if stride != width {
		packed = make([]byte, width*height)
		for y := 0; y < height; y++ {
			copy(packed[y*width:(y+1)*width], pix[y*stride:y*stride+width])
		}
	}
	data, err := encodeMultiDimUint8(height, width, packed[:width*height], algorithm)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(map[string]any{
		"type":      TypeImage,
		"frame_id":  seq,
		"timestamp": float64(ts.UnixNano()) / 1e9,
		"data":      data,
	})
}

// EncodeMeta builds a non-image message.
func EncodeMeta(kind string, meta map[string]any) ([]byte, error) {
	payload := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		payload[k] = v
	}
	payload["type"] = kind
	return cbor.Marshal(payload)
}

// Decode parses a message. Image payloads wider than 8 bits are shifted
// down to 8 bits using bit_depth (default 16).
func Decode(msg []byte) (Message, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return Message{}, fmt.Errorf("wire: cbor decode: %w", err)
	}
	msgType, _ := payload["type"].(string)
	if msgType != TypeImage {
		delete(payload, "type")
		return Message{Type: msgType, Meta: payload}, nil
	}

	seq, err := toInt(payload["frame_id"])
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid frame_id: %w", err)
	}
	ts, err := toFloat(payload["timestamp"])
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid timestamp: %w", err)
	}
	arr, err := decodeMultiDimArray(payload["data"])
	if err != nil {
		return Message{}, fmt.Errorf("wire: invalid data: %w", err)
	}

	pix := arr.u8
	if arr.u16 != nil {
		depth := 16
		if raw, ok := payload["bit_depth"]; ok {
			if d, err := toInt(raw); err == nil && d > 8 && d <= 16 {
				depth = d
			}
		}
		shift := uint(depth - 8)
		pix = make([]byte, len(arr.u16))
		for i, v := range arr.u16 {
			pix[i] = byte(min(v>>shift, 255))
		}
	}

	return Message{
		Type: TypeImage,
		Frame: Frame{
			Sequence:  uint64(seq),
			Timestamp: ts,
			Width:     arr.cols,
			Height:    arr.rows,
			Pix:       pix,
		},
	}, nil
}

// DecodeFrame is Decode restricted to image messages.
func DecodeFrame(msg []byte) (Frame, error) {
	m, err := Decode(msg)
	if err != nil {
		return Frame{}, err
	}
	if m.Type != TypeImage {
		return Frame{}, fmt.Errorf("%w: %q", ErrNotImage, m.Type)
	}
	return m.Frame, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
