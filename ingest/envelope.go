package ingest

import (
	"encoding/json"

	"github.com/c360/growplane/errors"
	"github.com/c360/growplane/types"
)

// Envelope is the canonical wire shape shared by the message-broker and
// replication adapters: one stream, a batch of readings.
type Envelope struct {
	StreamID string          `json:"stream_id"`
	Readings []types.Reading `json:"readings"`
}

// ParseEnvelope decodes and structurally validates an inbound envelope.
// Malformed payloads are a structural error for the adapter to surface, not
// a data-quality rejection.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(err, "Envelope", "ParseEnvelope", "unmarshal")
	}
	if env.StreamID == "" {
		return env, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "ParseEnvelope", "stream_id is required")
	}
	if len(env.Readings) == 0 {
		return env, errors.WrapInvalid(errors.ErrEmptyBatch, "Envelope", "ParseEnvelope", "readings are required")
	}
	return env, nil
}
