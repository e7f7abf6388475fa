package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// VectorSuffix is appended to a field name to form its output key.
const VectorSuffix = "_vector"

// BatchRequest is the custom skill envelope posted by the indexer.
type BatchRequest struct {
	Values []InputRecord `json:"values"`
}

type InputRecord struct {
	RecordID string `json:"recordId"`
	Data     Fields `json:"data"`
}

// Field is one named value of an input record.
type Field struct {
	Name string
	Text string
	// raw holds the JSON of a value that was not a string.
	raw string
}

// IsText reports whether the field carried a JSON string.
func (f Field) IsText() bool {
	return f.raw == ""
}

// Fields keeps record data in the order the keys appeared in the document.
type Fields []Field

// ParseFields reads a JSON object in document order. Anything that is not an
// object yields no fields. A repeated key keeps its first position and its
// last value.
func ParseFields(obj gjson.Result) Fields {
	if !obj.IsObject() {
		return nil
	}
	var fields Fields
	seen := make(map[string]int)
	obj.ForEach(func(key, value gjson.Result) bool {
		field := Field{Name: key.String()}
		if value.Type == gjson.String {
			field.Text = value.String()
		} else {
			field.raw = value.Raw
		}
		if i, ok := seen[field.Name]; ok {
			fields[i] = field
			return true
		}
		seen[field.Name] = len(fields)
		fields = append(fields, field)
		return true
	})
	return fields
}

// Texts returns the field values in order.
func (fs Fields) Texts() ([]string, error) {
	if len(fs) == 0 {
		return nil, ErrNoFields
	}
	texts := make([]string, 0, len(fs))
	for _, f := range fs {
		if !f.IsText() {
			return nil, fmt.Errorf("%w: %s", ErrNonTextField, f.Name)
		}
		texts = append(texts, f.Text)
	}
	return texts, nil
}

func (fs *Fields) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*fs = nil
		return nil
	}
	if !res.IsObject() {
		return fmt.Errorf("record data must be an object")
	}
	*fs = ParseFields(res)
	return nil
}

func (fs Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if !f.IsText() {
			buf.WriteString(f.raw)
			continue
		}
		val, err := json.Marshal(f.Text)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// OutputRecord is one enriched record. On failure Data is empty and Errors
// holds exactly one message; Warnings is never populated.
type OutputRecord struct {
	RecordID string          `json:"recordId"`
	Data     Vectors         `json:"data"`
	Errors   []RecordMessage `json:"errors"`
	Warnings []RecordMessage `json:"warnings"`
}

// Failed reports whether the record carries an error.
func (r OutputRecord) Failed() bool {
	return len(r.Errors) > 0
}

type RecordMessage struct {
	Message string `json:"message"`
}

type BatchResponse struct {
	Values []OutputRecord `json:"values"`
}

// Vector is a single "<field>_vector" entry.
type Vector struct {
	Key    string
	Values []float64
}

// Vectors is an ordered JSON object of embedding vectors. An empty set
// encodes as {} rather than null.
type Vectors []Vector

// Get returns the vector stored under key.
func (vs Vectors) Get(key string) ([]float64, bool) {
	for _, v := range vs {
		if v.Key == key {
			return v.Values, true
		}
	}
	return nil, false
}

func (vs Vectors) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, v := range vs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(v.Key)
		if err != nil {
			return nil, err
		}
		values := v.Values
		if values == nil {
			values = []float64{}
		}
		val, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (vs *Vectors) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*vs = nil
		return nil
	}
	if !res.IsObject() {
		return fmt.Errorf("vectors must be an object")
	}
	out := Vectors{}
	var decodeErr error
	res.ForEach(func(key, value gjson.Result) bool {
		var values []float64
		if err := json.Unmarshal([]byte(value.Raw), &values); err != nil {
			decodeErr = fmt.Errorf("decode %s: %w", key.String(), err)
			return false
		}
		out = append(out, Vector{Key: key.String(), Values: values})
		return true
	})
	if decodeErr != nil {
		return decodeErr
	}
	*vs = out
	return nil
}
