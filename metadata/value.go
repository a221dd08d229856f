package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Well-known field names stored in Record.Fields.
const (
	FieldMIMEType     = "mime_type"
	FieldDownloadedAt = "downloaded_at"
	FieldContentHash  = "content_hash"
	FieldSize         = "size"
	FieldImageWidth   = "image_width"
	FieldImageHeight  = "image_height"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// Value is a metadata field value: a string, a number or a timestamp.
// The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  float64
	ts   time.Time
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int returns a numeric Value holding an integer.
func Int(n int64) Value { return Value{kind: KindNumber, num: float64(n)} }

// Time returns a timestamp Value.
func Time(t time.Time) Value { return Value{kind: KindTime, ts: t} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsInt returns the number held by v truncated to an integer.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindNumber || math.IsNaN(v.num) || math.IsInf(v.num, 0) {
		return 0, false
	}
	return int64(v.num), true
}

// AsTime returns the timestamp held by v.
func (v Value) AsTime() (time.Time, bool) {
	return v.ts, v.kind == KindTime
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindTime:
		return v.ts.Equal(o.ts)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindTime:
		return v.ts.Format(time.RFC3339Nano)
	default:
		return "<invalid>"
	}
}

// wireValue is the JSON form of a Value. Exactly one field is set.
type wireValue struct {
	S *string    `json:"s,omitempty"`
	N *float64   `json:"n,omitempty"`
	T *time.Time `json:"t,omitempty"`
}

var errInvalidValue = errors.New("metadata: invalid value")

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.kind {
	case KindString:
		w.S = &v.str
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("%w: non-finite number", errInvalidValue)
		}
		w.N = &v.num
	case KindTime:
		w.T = &v.ts
	default:
		return nil, errInvalidValue
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.S != nil:
		*v = String(*w.S)
	case w.N != nil:
		*v = Number(*w.N)
	case w.T != nil:
		*v = Time(*w.T)
	default:
		return errInvalidValue
	}
	return nil
}
