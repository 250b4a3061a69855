package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ControlName identifies the kind of an envelope.
type ControlName string

// Control names used on the wire.
const (
	ControlPut     ControlName = "put"     // Outbound state
	ControlUpdated ControlName = "updated" // Inbound state change
	ControlIPut    ControlName = "iput"    // Inbound state change (initial put)
	ControlPing    ControlName = "ping"    // Liveness
)

// Payload keys added by the codec.
const (
	timestampKey = "timestamp"
	valueKey     = "value"
	modelKey     = "iot:model"
)

// Control is the "c" block of an envelope.
type Control struct {
	Name   ControlName `json:"n"`
	ID     string      `json:"id,omitempty"`
	Band   string      `json:"band,omitempty"`
	Source string      `json:"src,omitempty"`
}

// Envelope is the {c, p} wrapper carried by every cloud message.
//
// Wire format:
//
//	{"c":{"n":"put","id":"lamp1","band":"ostate","src":"..."},"p":{...}}
type Envelope struct {
	Control Control         `json:"c"`
	Payload json.RawMessage `json:"p"`
}

// Codec converts between state records and wire envelopes.
type Codec interface {
	// EncodePut builds a "put" envelope for an outbound state record.
	EncodePut(rec StateRecord) ([]byte, error)

	// EncodePing builds a "ping" envelope carrying controller metadata.
	EncodePing(meta map[string]any) ([]byte, error)

	// Decode parses a wire message. It returns nil for anything that is
	// not a well-formed envelope and never panics.
	Decode(data []byte) *Envelope

	// DecodeUpdate extracts the addressing of an inbound state change.
	// ok is false for control names other than "updated" and "iput", and
	// when either id or band is missing.
	DecodeUpdate(env *Envelope) (thingID, band string, ok bool)
}

// CodecOptions configures a JSONCodec.
type CodecOptions struct {
	// CompactModel prunes "model" band payloads down to their iot:model
	// descriptor.
	CompactModel bool

	// Source is stamped into the "src" field of every put. Empty omits it.
	Source string

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// JSONCodec is the Codec for the {c, p} JSON envelope.
//
// Thread Safety: All methods are safe for concurrent use.
type JSONCodec struct {
	compactModel bool
	source       string
	now          func() time.Time

	// lastTimestamp keeps emitted timestamps non-decreasing.
	lastTimestamp int64
	mu            sync.Mutex
}

// NewJSONCodec creates a codec with the given options.
func NewJSONCodec(opts CodecOptions) *JSONCodec {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &JSONCodec{
		compactModel: opts.CompactModel,
		source:       opts.Source,
		now:          now,
	}
}

// EncodePut builds {"c":{"n":"put","id":..,"band":..[,"src":..]},"p":...}.
//
// Object payloads get a "timestamp" key in epoch seconds. Any other JSON
// value is wrapped as {"value": v, "timestamp": t}.
func (c *JSONCodec) EncodePut(rec StateRecord) ([]byte, error) {
	value, err := decodeValue(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", rec.Key(), err)
	}

	ts := c.timestamp()

	var payload map[string]any
	if obj, ok := value.(map[string]any); ok {
		payload = obj
		if model, has := obj[modelKey]; c.compactModel && rec.Band == BandModel && has && model != nil {
			payload = map[string]any{modelKey: model}
		}
	} else {
		payload = map[string]any{valueKey: value}
	}
	payload[timestampKey] = ts

	return c.marshal(Control{
		Name:   ControlPut,
		ID:     rec.ThingID,
		Band:   rec.Band,
		Source: c.source,
	}, payload)
}

// EncodePing builds {"c":{"n":"ping"},"p":meta+timestamp}, with nil values,
// empty strings and empty collections removed from the payload.
func (c *JSONCodec) EncodePing(meta map[string]any) ([]byte, error) {
	payload := map[string]any{}
	if len(meta) > 0 {
		// Normalise arbitrary Go values to their JSON shape before compacting.
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("encoding ping metadata: %w", err)
		}
		value, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("encoding ping metadata: %w", err)
		}
		if obj, ok := value.(map[string]any); ok {
			payload = obj
		}
	}
	payload[timestampKey] = c.timestamp()

	compacted, _ := compact(payload)
	return c.marshal(Control{Name: ControlPing}, compacted)
}

// Decode parses data, returning nil when it is not a valid envelope.
func (c *JSONCodec) Decode(data []byte) *Envelope {
	env, err := Parse(data)
	if err != nil {
		return nil
	}
	return env
}

// DecodeUpdate returns the thing id and band of an "updated" or "iput"
// envelope.
func (c *JSONCodec) DecodeUpdate(env *Envelope) (thingID, band string, ok bool) {
	if env == nil {
		return "", "", false
	}
	switch env.Control.Name {
	case ControlUpdated, ControlIPut:
	default:
		return "", "", false
	}
	if env.Control.ID == "" || env.Control.Band == "" {
		return "", "", false
	}
	return env.Control.ID, env.Control.Band, true
}

// Parse decodes a wire message into an Envelope.
//
// Returns ErrMalformedMessage for invalid JSON, non-object JSON, a missing
// or null "c" or "p", or a control block without a name.
func Parse(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	rawControl, ok := fields["c"]
	if !ok || isNull(rawControl) {
		return nil, fmt.Errorf("%w: missing control", ErrMalformedMessage)
	}
	rawPayload, ok := fields["p"]
	if !ok || isNull(rawPayload) {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}

	var control Control
	if err := json.Unmarshal(rawControl, &control); err != nil {
		return nil, fmt.Errorf("%w: control: %w", ErrMalformedMessage, err)
	}
	if control.Name == "" {
		return nil, fmt.Errorf("%w: control has no name", ErrMalformedMessage)
	}

	return &Envelope{Control: control, Payload: rawPayload}, nil
}

// timestamp returns the current epoch second, clamped so it never goes
// backwards across calls.
func (c *JSONCodec) timestamp() int64 {
	ts := c.now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.lastTimestamp {
		ts = c.lastTimestamp
	}
	c.lastTimestamp = ts
	return ts
}

func (c *JSONCodec) marshal(control Control, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return json.Marshal(Envelope{Control: control, Payload: p})
}

// decodeValue parses raw JSON keeping numbers exact. Empty input is null.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// compact removes nil values, empty strings, empty maps and empty slices,
// recursively. keep is false when v itself is empty.
func compact(v any) (out any, keep bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, val != ""
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			if c, ok := compact(item); ok {
				m[k] = c
			}
		}
		return m, len(m) > 0
	case []any:
		s := make([]any, 0, len(val))
		for _, item := range val {
			if c, ok := compact(item); ok {
				s = append(s, c)
			}
		}
		return s, len(s) > 0
	default:
		return val, true
	}
}
