package canonical

import (
	"bytes"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const hexDigits = "0123456789abcdef"

// Encode returns the canonical JSON encoding of v: no insignificant
// whitespace, object keys sorted by UTF-16 code units, strings NFC-normalized
// and escaped with the minimal RFC 8785 escape set.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value, path string) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(val.String())
	case String:
		if !utf8.ValidString(string(val)) {
			return encodingErr(path, "string is not valid UTF-8")
		}
		writeString(buf, norm.NFC.String(string(val)))
	case List:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem, childPath(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Map:
		return encodeMap(buf, val, path)
	default:
		return encodingErr(path, "unsupported value %T", v)
	}
	return nil
}

func encodeMap(buf *bytes.Buffer, m Map, path string) error {
	// Keys are normalized before sorting; two keys that collapse to the same
	// NFC form would make the payload ambiguous.
	normalized := make(Map, len(m))
	for k, v := range m {
		if !utf8.ValidString(k) {
			return encodingErr(path, "object key is not valid UTF-8")
		}
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return encodingErr(path, "keys collide after normalization: %q", nk)
		}
		normalized[nk] = v
	}

	buf.WriteByte('{')
	for i, k := range normalized.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, normalized[k], childPath(path, k)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeString emits s as a JSON string. Only the quote, the backslash and
// control characters are escaped; '<', '>', '&', U+2028 and U+2029 are
// written verbatim.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}
