// Package json encodes job records for stores and transports that keep them
// as opaque bytes.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

// JSONSerializer converts job records to and from JSON
type JSONSerializer struct {
	strict bool
}

// NewSerializer creates a new JSON serializer
func NewSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize converts a job record to JSON bytes
func (s *JSONSerializer) Serialize(rec *job.Job) ([]byte, error) {
	if rec == nil {
		return nil, errors.NewSerializationError(s.GetFormat(), fmt.Errorf("nil job"))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.NewSerializationError(s.GetFormat(), err)
	}

	return data, nil
}

// Deserialize converts JSON bytes to a job record
func (s *JSONSerializer) Deserialize(data []byte) (*job.Job, error) {
	var rec job.Job

	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.strict {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(&rec); err != nil {
		return nil, errors.NewSerializationError(s.GetFormat(), err)
	}

	if rec.ID == "" {
		return nil, errors.NewSerializationError(s.GetFormat(), fmt.Errorf("missing job id"))
	}
	if !rec.Status.Valid() {
		return nil, errors.NewSerializationError(s.GetFormat(),
			fmt.Errorf("invalid status %q", rec.Status))
	}

	return &rec, nil
}

// Marshal encodes any value, wrapping failures as serialization errors
func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewSerializationError(s.GetFormat(), err)
	}
	return data, nil
}

// GetFormat returns the serialization format name
func (s *JSONSerializer) GetFormat() string {
	return "json"
}

// Strict reports whether unknown fields are rejected
func (s *JSONSerializer) Strict() bool {
	return s.strict
}

// SetStrict sets whether unknown fields are rejected
func (s *JSONSerializer) SetStrict(strict bool) {
	s.strict = strict
}
