// Package envelope implements the warm-tier wire format: a JSON wrapper
// carrying the stored value, its age, and optional gzip compression
// metadata. Reads degrade to the raw payload instead of failing when the
// compressed form is damaged.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Compression is kept only when it saves at least this fraction of the
// original size.
const savingsRatio = 0.9

// FailureKind classifies decompression failures for metrics.
type FailureKind string

const (
	FailureBase64   FailureKind = "base64_decode_failed"
	FailureGzip     FailureKind = "gzip_decompress_failed"
	FailureJSON     FailureKind = "json_parse_failed"
	FailureMetadata FailureKind = "metadata_invalid"
	FailureUnknown  FailureKind = "unknown_error"
)

// DecompressError reports a classified failure. The read path treats it as
// a downgrade signal, not an error.
type DecompressError struct {
	Kind FailureKind
	Err  error
}

func (e *DecompressError) Error() string {
	return fmt.Sprintf("decompression failed (%s): %v", e.Kind, e.Err)
}

func (e *DecompressError) Unwrap() error { return e.Err }

// Metadata describes the compressed payload; present iff compressed.
type Metadata struct {
	OriginalSize   int `json:"originalSize"`
	CompressedSize int `json:"compressedSize"`
}

// Envelope is the stored wire format.
type Envelope struct {
	Compressed bool      `json:"compressed"`
	StoredAtMs int64     `json:"storedAtMs"`
	Data       string    `json:"data"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}

// Parsed is a decoded envelope ready for payload extraction.
type Parsed struct {
	Data       string
	StoredAtMs int64
	Compressed bool
	Metadata   *Metadata
}

// Codec serializes values into envelopes. Instances are immutable and safe
// for concurrent use.
type Codec struct {
	thresholdBytes int
	enabled        bool
	now            func() time.Time
}

// NewCodec builds a codec. Values under thresholdBytes are stored without
// compression; enabled=false disables compression entirely.
func NewCodec(thresholdBytes int, enabled bool) *Codec {
	if thresholdBytes <= 0 {
		thresholdBytes = 1024
	}
	return &Codec{
		thresholdBytes: thresholdBytes,
		enabled:        enabled,
		now:            time.Now,
	}
}

// Serialize JSON-encodes v and wraps it in an envelope, compressing when the
// payload is large enough and compression actually pays for itself. The bool
// reports whether the stored form is compressed.
func (c *Codec) Serialize(v any) ([]byte, bool, error) {
	return c.SerializeWith(v, nil)
}

// SerializeWith is Serialize with an explicit compression override. A nil
// override keeps the codec policy; false stores the payload raw; true
// attempts compression regardless of size, still subject to the savings
// check so the stored form never grows.
func (c *Codec) SerializeWith(v any, override *bool) ([]byte, bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("serialize value: %w", err)
	}
	return c.serialize(payload, override)
}

// SerializePayload wraps an already-encoded JSON payload.
func (c *Codec) SerializePayload(payload []byte) ([]byte, bool, error) {
	return c.serialize(payload, nil)
}

func (c *Codec) serialize(payload []byte, override *bool) ([]byte, bool, error) {
	env := Envelope{
		StoredAtMs: c.now().UnixMilli(),
	}

	compress := c.enabled && len(payload) >= c.thresholdBytes
	if override != nil {
		compress = *override
	}
	if !compress {
		env.Data = string(payload)
		raw, err := marshalEnvelope(&env)
		return raw, false, err
	}

	compressed, err := gzipCompress(payload)
	if err != nil {
		return nil, false, fmt.Errorf("compress payload: %w", err)
	}

	// Insufficient savings: keep the uncompressed form.
	if float64(len(compressed))/float64(len(payload)) > savingsRatio {
		env.Data = string(payload)
		raw, err := marshalEnvelope(&env)
		return raw, false, err
	}

	env.Compressed = true
	env.Data = base64.StdEncoding.EncodeToString(compressed)
	env.Metadata = &Metadata{
		OriginalSize:   len(payload),
		CompressedSize: len(compressed),
	}
	raw, err := marshalEnvelope(&env)
	return raw, true, err
}

func marshalEnvelope(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return raw, nil
}

// Parse decodes a stored envelope. Objects written outside the envelope
// format decode to an empty shell; they are rejected here so readers fall
// back to the raw bytes instead of serving an empty payload.
func (c *Codec) Parse(raw []byte) (*Parsed, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if !env.Compressed && env.Data == "" && env.StoredAtMs == 0 {
		return nil, fmt.Errorf("parse envelope: no data and no storedAtMs")
	}
	return &Parsed{
		Data:       env.Data,
		StoredAtMs: env.StoredAtMs,
		Compressed: env.Compressed,
		Metadata:   env.Metadata,
	}, nil
}

// Decompress extracts the JSON payload from a parsed envelope. On any
// failure it returns the raw stored bytes as a fallback together with the
// classified error; callers record the metric and keep serving.
func (c *Codec) Decompress(p *Parsed) ([]byte, *DecompressError) {
	if !p.Compressed {
		return []byte(p.Data), nil
	}

	fallback := []byte(p.Data)

	if p.Data == "" || p.Metadata == nil || p.Metadata.OriginalSize <= 0 {
		return fallback, &DecompressError{
			Kind: FailureMetadata,
			Err:  fmt.Errorf("compressed entry missing payload or metadata"),
		}
	}

	compressed, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fallback, &DecompressError{Kind: FailureBase64, Err: err}
	}

	if !isGzip(compressed) {
		return fallback, &DecompressError{
			Kind: FailureGzip,
			Err:  fmt.Errorf("payload does not start with gzip magic bytes"),
		}
	}

	payload, err := gzipDecompress(compressed)
	if err != nil {
		return fallback, &DecompressError{Kind: FailureGzip, Err: err}
	}
	return payload, nil
}

// DecodeInto extracts the payload and unmarshals it into out.
func (c *Codec) DecodeInto(p *Parsed, out any) error {
	payload, derr := c.Decompress(p)
	if derr != nil {
		return derr
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &DecompressError{Kind: FailureJSON, Err: err}
	}
	return nil
}

// RawJSON extracts the payload as json.RawMessage. Payloads that are not
// valid JSON (possible after a decompression downgrade) are re-encoded as a
// JSON string so callers always receive well-formed JSON.
func RawJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		out := make(json.RawMessage, len(payload))
		copy(out, payload)
		return out
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage("null")
	}
	return quoted
}

// Age reports how long ago the envelope was stored.
func (p *Parsed) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.StoredAtMs))
}
