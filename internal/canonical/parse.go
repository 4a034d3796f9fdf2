package canonical

import (
	"encoding/json"
	"strconv"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// ParseJSON decodes raw JSON into a Value. Number literals are kept exact.
// Duplicate object keys and invalid UTF-8 are rejected because either would
// make the logical payload ambiguous.
func ParseJSON(data []byte) (Value, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, encodingErr("", "invalid JSON: %v", err)
	}
	return fromFastJSON(v, "")
}

// ParseObject is ParseJSON restricted to a top-level object.
func ParseObject(data []byte) (Map, error) {
	v, err := ParseJSON(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, encodingErr("", "payload must be a JSON object")
	}
	return m, nil
}

func fromFastJSON(v *fastjson.Value, path string) (Value, error) {
	switch v.Type() {
	case fastjson.TypeNull:
		return Null{}, nil
	case fastjson.TypeTrue:
		return Bool(true), nil
	case fastjson.TypeFalse:
		return Bool(false), nil
	case fastjson.TypeNumber:
		n, err := ParseNumber(string(v.MarshalTo(nil)))
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		return n, nil
	case fastjson.TypeString:
		b, err := v.StringBytes()
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		if !utf8.Valid(b) {
			return nil, encodingErr(path, "string is not valid UTF-8")
		}
		return String(b), nil
	case fastjson.TypeArray:
		items, err := v.Array()
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		list := make(List, len(items))
		for i, item := range items {
			elem, err := fromFastJSON(item, childPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			list[i] = elem
		}
		return list, nil
	case fastjson.TypeObject:
		obj, err := v.Object()
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		m := make(Map, obj.Len())
		var visitErr error
		obj.Visit(func(key []byte, val *fastjson.Value) {
			if visitErr != nil {
				return
			}
			k := string(key)
			if !utf8.ValidString(k) {
				visitErr = encodingErr(path, "object key is not valid UTF-8")
				return
			}
			if _, dup := m[k]; dup {
				visitErr = encodingErr(path, "duplicate key %q", k)
				return
			}
			elem, err := fromFastJSON(val, childPath(path, k))
			if err != nil {
				visitErr = err
				return
			}
			m[k] = elem
		})
		if visitErr != nil {
			return nil, visitErr
		}
		return m, nil
	}
	return nil, encodingErr(path, "unsupported JSON type %s", v.Type())
}

// FromAny converts a decoded Go value into a Value. It accepts the shapes
// produced by encoding/json (with or without UseNumber) and plain Go scalars.
// Byte slices and any other type are rejected: binary data must be encoded
// explicitly (for example as base64 text) by the producer.
func FromAny(v any) (Value, error) {
	return fromAny(v, "")
}

func fromAny(v any, path string) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		if !utf8.ValidString(val) {
			return nil, encodingErr(path, "string is not valid UTF-8")
		}
		return String(val), nil
	case int:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		n, err := ParseNumber(strconv.FormatUint(val, 10))
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		return n, nil
	case float32:
		n, err := Float(float64(val))
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		return n, nil
	case float64:
		n, err := Float(val)
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		return n, nil
	case json.Number:
		n, err := ParseNumber(string(val))
		if err != nil {
			return nil, encodingErr(path, "%v", err)
		}
		return n, nil
	case []byte:
		return nil, encodingErr(path, "binary blob without explicit encoding")
	case []any:
		list := make(List, len(val))
		for i, elem := range val {
			cv, err := fromAny(elem, childPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			list[i] = cv
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(val))
		for k, elem := range val {
			cv, err := fromAny(elem, childPath(path, k))
			if err != nil {
				return nil, err
			}
			m[k] = cv
		}
		return m, nil
	case map[string]string:
		m := make(Map, len(val))
		for k, s := range val {
			m[k] = String(s)
		}
		return m, nil
	}
	return nil, encodingErr(path, "unsupported type %T", v)
}
