package autosave

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// FingerprintAlgorithmV1 identifies the canonical hash material/version.
//
// The canonical material is the JSON encoding of the content after map keys
// have been stringified, so yaml-decoded documents (map[any]any) hash the same
// as their map[string]any equivalents. encoding/json sorts map keys.
const FingerprintAlgorithmV1 = "sha256-canonical-json-v1"

// CanonicalJSON returns the canonical JSON bytes used for fingerprinting.
func CanonicalJSON(content any) ([]byte, error) {
	b, err := json.Marshal(normalizeJSONValue(content))
	if err != nil {
		return nil, errors.Wrap(err, "autosave: content is not serializable")
	}
	return b, nil
}

// JSONFingerprint computes the lowercase-hex SHA-256 hash over the canonical
// JSON encoding of content. It is the default FingerprintFunc.
func JSONFingerprint[T any](content T) (string, error) {
	b, err := CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeJSONValue(v any) any {
	if v == nil {
		return nil
	}

	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, value := range vv {
			out[k] = normalizeJSONValue(value)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(vv))
		for k, value := range vv {
			out[fmt.Sprint(k)] = normalizeJSONValue(value)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = normalizeJSONValue(vv[i])
		}
		return out
	case json.Marshaler:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		// Maps with string keys already encode deterministically; only
		// re-key maps whose keys json cannot handle.
		if rv.Type().Key().Kind() == reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalizeJSONValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeJSONValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
