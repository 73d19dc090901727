package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites CBOR-decoded values (map[any]any, tags, byte
// strings) into something encoding/json accepts.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[fmt.Sprint(k)] = NormalizeJSONValue(inner)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = NormalizeJSONValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = NormalizeJSONValue(inner)
		}
		return out
	case []byte:
		return map[string]any{"bytes": len(v)}
	case cbor.Tag:
		return map[string]any{"tag": v.Number, "content": NormalizeJSONValue(v.Content)}
	default:
		return v
	}
}
