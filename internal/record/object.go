package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a JSON document is valid but is not an object.
var ErrNotObject = errors.New("record: value is not a JSON object")

// Record is an ordered set of key/value fields. Keys keep the position of
// their first insertion; setting an existing key replaces its value in place.
// A Record is not safe for concurrent mutation.
type Record struct {
	keys   []string
	fields map[string]Value
}

// New returns an empty record.
func New() *Record {
	return &Record{fields: make(map[string]Value)}
}

// Set stores value under key and returns the record for chaining.
func (r *Record) Set(key string, value Value) *Record {
	if r.fields == nil {
		r.fields = make(map[string]Value)
	}
	if _, ok := r.fields[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.fields[key] = value
	return r
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.fields[key]
	return v, ok
}

// GetString returns the string stored under key, if any.
func (r *Record) GetString(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Keys returns the field names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Clone returns a shallow copy whose field set can be mutated independently.
func (r *Record) Clone() *Record {
	out := New()
	if r == nil {
		return out
	}
	for _, k := range r.keys {
		out.Set(k, r.fields[k])
	}
	return out
}

// MarshalJSON encodes the record as a JSON object in key order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeObject(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err == nil {
		return errors.New("record: trailing data after object")
	}
	*r = *decoded
	return nil
}

// Parse decodes a single JSON object line into a Record.
func Parse(line []byte) (*Record, error) {
	r := New()
	if err := r.UnmarshalJSON(line); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	if r != nil {
		for i, k := range r.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := r.fields[k].encode(buf); err != nil {
				return fmt.Errorf("record: field %q: %w", k, err)
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

func decodeObject(dec *json.Decoder) (*Record, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("record: read token: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrNotObject
	}
	return decodeObjectBody(dec)
}

func decodeObjectBody(dec *json.Decoder) (*Record, error) {
	r := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("record: read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("record: unexpected key token %v", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		r.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("record: close object: %w", err)
	}
	return r, nil
}
