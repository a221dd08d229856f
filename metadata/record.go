package metadata

import (
	"maps"
	"time"
)

// Record is the metadata kept for one cache key.
type Record struct {
	// Filename is the generated name of the content file under the cache root.
	Filename string `json:"filename"`

	// Timestamp is the time of the last content write.
	Timestamp time.Time `json:"timestamp"`

	// Fields holds caller supplied values such as FieldMIMEType.
	Fields map[string]Value `json:"fields,omitempty"`
}

// Field returns the named field.
func (r Record) Field(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// SetField sets the named field, allocating Fields if needed.
func (r *Record) SetField(name string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	r.Fields[name] = v
}

// DeleteField removes the named field.
func (r *Record) DeleteField(name string) {
	delete(r.Fields, name)
}

// StringField returns a string field, or "" when absent or of another kind.
func (r Record) StringField(name string) string {
	s, _ := r.Fields[name].AsString()
	return s
}

// IntField returns a numeric field as an integer.
func (r Record) IntField(name string) (int64, bool) {
	return r.Fields[name].AsInt()
}

// TimeField returns a timestamp field.
func (r Record) TimeField(name string) (time.Time, bool) {
	return r.Fields[name].AsTime()
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Fields = maps.Clone(r.Fields)
	return r
}
