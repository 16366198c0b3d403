package tx

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"PredictLedger/internal/apperr"
)

// MarshalCanonical encodes a value tree of map[string]any, []any, []string,
// string, int64, int and bool into canonical JSON: keys sorted, no
// insignificant whitespace, strings NFC-normalised, no HTML escaping.
// Floats and nulls are rejected. The output is the payload part of the
// signing input, so it must never change for a given payload.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical JSON")
	case string:
		writeCanonicalString(buf, val)
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, s)
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		// Keys are ASCII field names, so byte order equals UTF-16 order.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// ValidateStrings reports MALFORMED_PAYLOAD when any string in p is not
// valid UTF-8 or not already in NFC. Canonical encoding normalises, so such
// a string would share its signature with a byte-distinct payload.
func ValidateStrings(p Payload) error {
	return validateStrings("", p.Canonical())
}

func validateStrings(path string, v any) error {
	switch val := v.(type) {
	case string:
		return checkString(path, val)
	case []string:
		for i, s := range val {
			if err := checkString(fmt.Sprintf("%s[%d]", path, i), s); err != nil {
				return err
			}
		}
	case []any:
		for i, elem := range val {
			if err := validateStrings(fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, elem := range val {
			if err := validateStrings(k, elem); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkString(field, s string) error {
	if !utf8.ValidString(s) {
		return apperr.New(apperr.CodeMalformedPayload, "%s is not valid UTF-8", field)
	}
	if !norm.NFC.IsNormalString(s) {
		return apperr.New(apperr.CodeMalformedPayload, "%s is not NFC-normalised", field)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString escapes only the quote, the backslash and C0
// controls. Everything else, including U+2028/U+2029 and <>&, is literal.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	s = norm.NFC.String(s)

	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[c>>4])
			buf.WriteByte(hexDigits[c&0xF])
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}
