package record

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

type wireMetadata struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Source       string    `json:"source"`
	Version      uint64    `json:"version"`
	Status       string    `json:"status"`
	ProcessCount uint32    `json:"process_count"`
	FailureCount uint32    `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
}

type wireRecord struct {
	ID       string            `json:"id"`
	Key      string            `json:"key"`
	Value    interface{}       `json:"value"`
	Metadata wireMetadata      `json:"metadata"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		ID:    r.id,
		Key:   r.Key,
		Value: r.Value,
		Metadata: wireMetadata{
			CreatedAt:    r.Metadata.CreatedAt,
			UpdatedAt:    r.Metadata.UpdatedAt,
			Source:       r.Metadata.Source,
			Version:      r.Metadata.Version,
			Status:       r.status.String(),
			ProcessCount: r.Metadata.ProcessCount,
			FailureCount: r.Metadata.FailureCount,
			LastError:    r.Metadata.LastError,
		},
		Tags: r.tags,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := DecodeJSON(data, &w); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSerialization, "failed to decode record")
	}
	if w.ID == "" {
		return errors.New(errors.ErrorTypeSerialization, "record id is missing")
	}
	status, err := ParseStatus(w.Metadata.Status)
	if err != nil {
		return err
	}

	r.id = w.ID
	r.Key = w.Key
	r.Value = w.Value
	r.status = status
	r.Metadata = Metadata{
		CreatedAt:    w.Metadata.CreatedAt,
		UpdatedAt:    w.Metadata.UpdatedAt,
		Source:       w.Metadata.Source,
		Version:      w.Metadata.Version,
		ProcessCount: w.Metadata.ProcessCount,
		FailureCount: w.Metadata.FailureCount,
		LastError:    w.Metadata.LastError,
	}
	if r.Metadata.UpdatedAt.Before(r.Metadata.CreatedAt) {
		r.Metadata.UpdatedAt = r.Metadata.CreatedAt
	}
	r.tags = w.Tags
	if r.tags == nil {
		r.tags = make(map[string]string)
	}
	return nil
}

// DecodeJSON decodes data into v keeping numbers as json.Number, so integers
// wider than a float64 mantissa survive unchanged.
func DecodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Normalized returns a copy of r in the shape a JSON round trip produces:
// objects become map[string]interface{}, arrays []interface{} and numbers
// json.Number. Stores that persist an encoding hand records back in this
// shape.
func (r *Record) Normalized() (*Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSerialization, "failed to encode record").
			WithDetail("record_id", r.ID())
	}
	out := &Record{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}
