package qq

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"
)

// Shape names one of the wire formats graph.qq.com answers with.
type Shape int

const (
	// ShapeURLEncoded is an application/x-www-form-urlencoded body (token success).
	ShapeURLEncoded Shape = iota + 1
	// ShapeJSONPWrapped is a JSON object inside callback( ... ); (token errors, /oauth2.0/me).
	ShapeJSONPWrapped
	// ShapePlainJSON is a bare JSON object (get_user_info).
	ShapePlainJSON
)

func (s Shape) String() string {
	switch s {
	case ShapeURLEncoded:
		return "urlencoded"
	case ShapeJSONPWrapped:
		return "jsonp"
	case ShapePlainJSON:
		return "json"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Normalization failures. Match them with errors.Is.
var (
	ErrShapeMismatch    = errors.New("body does not match shape")
	ErrMalformedWrapper = errors.New("malformed jsonp wrapper")
	ErrInvalidJSON      = errors.New("invalid json")
)

const (
	jsonpPrefix = "callback("
	jsonpSuffix = ")"
)

// NormalizationError carries the shape that failed and the sentinel describing why.
type NormalizationError struct {
	Shape Shape
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("qq: normalize %s: %v", e.Shape, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Normalize turns a raw response body into a flat string map. Numbers and booleans keep
// their JSON literal, nested values keep their raw JSON and null becomes "".
func Normalize(body []byte, shape Shape) (map[string]string, error) {
	switch shape {
	case ShapeURLEncoded:
		return normalizeURLEncoded(body)
	case ShapeJSONPWrapped:
		return normalizeJSONP(body)
	case ShapePlainJSON:
		fields, err := flattenObject(body)
		if err != nil {
			return nil, &NormalizationError{Shape: shape, Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
		}
		return fields, nil
	default:
		return nil, &NormalizationError{Shape: shape, Err: errors.New("unknown shape")}
	}
}

func normalizeURLEncoded(body []byte) (map[string]string, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte(jsonpPrefix)) || bytes.HasPrefix(trimmed, []byte("{")) {
		return nil, &NormalizationError{Shape: ShapeURLEncoded, Err: ErrShapeMismatch}
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, &NormalizationError{Shape: ShapeURLEncoded, Err: fmt.Errorf("%w: %v", ErrShapeMismatch, err)}
	}
	out := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			out[key] = vals[0]
		}
	}
	return out, nil
}

func normalizeJSONP(body []byte) (map[string]string, error) {
	trimmed := bytes.TrimSpace(body)
	trimmed = bytes.TrimSpace(bytes.TrimSuffix(trimmed, []byte(";")))

	if len(trimmed) < len(jsonpPrefix)+len(jsonpSuffix) {
		return nil, &NormalizationError{Shape: ShapeJSONPWrapped, Err: fmt.Errorf("%w: body too short", ErrMalformedWrapper)}
	}
	if !bytes.HasPrefix(trimmed, []byte(jsonpPrefix)) || !bytes.HasSuffix(trimmed, []byte(jsonpSuffix)) {
		return nil, &NormalizationError{Shape: ShapeJSONPWrapped, Err: fmt.Errorf("%w: missing callback wrapper", ErrMalformedWrapper)}
	}

	interior := trimmed[len(jsonpPrefix) : len(trimmed)-len(jsonpSuffix)]
	fields, err := flattenObject(interior)
	if err != nil {
		return nil, &NormalizationError{Shape: ShapeJSONPWrapped, Err: fmt.Errorf("%w: %v", ErrMalformedWrapper, err)}
	}
	return fields, nil
}

func flattenObject(data []byte) (map[string]string, error) {
	data = bytes.TrimSpace(data)
	if !gjson.ValidBytes(data) {
		return nil, errors.New("not valid json")
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return nil, errors.New("not a json object")
	}

	out := make(map[string]string)
	parsed.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = flattenValue(value)
		return true
	})
	return out, nil
}

func flattenValue(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	default:
		return v.Raw
	}
}
