package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"spectracam/internal/compression"
)

// RFC 8746 typed arrays plus the stream compression wrapper.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagCompressed    = 56500
)

// multiDim is a decoded rows x cols array. Exactly one of u8 or u16 is set.
type multiDim struct {
	rows int
	cols int
	u8   []uint8
	u16  []uint16
}

func decodeMultiDimArray(value any) (multiDim, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return multiDim{}, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return multiDim{}, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return multiDim{}, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return multiDim{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return multiDim{}, err
	}
	if rows <= 0 || cols <= 0 {
		return multiDim{}, fmt.Errorf("invalid dimensions %dx%d", rows, cols)
	}

	out := multiDim{rows: rows, cols: cols}
	inner, ok := items[1].(cbor.Tag)
	if !ok {
		return multiDim{}, fmt.Errorf("expected typed array tag")
	}
	switch inner.Number {
	case tagUint8:
		data, err := extractBytes(inner, 1)
		if err != nil {
			return multiDim{}, err
		}
		out.u8 = data
	case tagUint16LE:
		data, err := extractBytes(inner, 2)
		if err != nil {
			return multiDim{}, err
		}
		out.u16 = bytesToUint16(data)
	default:
		return multiDim{}, fmt.Errorf("unsupported typed array tag %d", inner.Number)
	}
	if n := len(out.u8) + len(out.u16); n != rows*cols {
		return multiDim{}, errors.New("dimension mismatch")
	}
	return out, nil
}

func encodeMultiDimUint8(rows, cols int, data []byte, algorithm string) (cbor.Tag, error) {
	var content any = data
	if algorithm != "" && algorithm != compression.None {
		encoded, err := compression.Compress(data, algorithm)
		if err != nil {
			return cbor.Tag{}, err
		}
		content = cbor.Tag{
			Number:  tagCompressed,
			Content: []any{algorithm, 1, encoded},
		}
	}
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagUint8, Content: content},
		},
	}, nil
}

func extractBytes(tag cbor.Tag, elemSize int) ([]byte, error) {
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number != tagCompressed {
			return nil, fmt.Errorf("unsupported nested tag %d", v.Number)
		}
		return decompress(v, elemSize)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func decompress(tag cbor.Tag, elemSize int) ([]byte, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 3 {
		return nil, errors.New("invalid compressed tag content")
	}
	algorithm, ok := items[0].(string)
	if !ok {
		return nil, errors.New("invalid compression algorithm")
	}
	declared, err := toInt(items[1])
	if err != nil {
		return nil, err
	}
	if declared != elemSize {
		return nil, fmt.Errorf("element size %d does not match array type (%d)", declared, elemSize)
	}
	encoded, ok := items[2].([]byte)
	if !ok {
		return nil, errors.New("invalid compressed payload")
	}
	return compression.Decompress(encoded, algorithm, elemSize)
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}
