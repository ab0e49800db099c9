package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeResult classifies the outcome of decoding one record.
type DecodeResult int

// Decode results.
const (
	// NotEvent marks records without the event prefix (heartbeats, comments, blanks).
	NotEvent DecodeResult = iota
	// Malformed marks prefixed records whose payload could not be parsed.
	Malformed
	// Decoded marks a successfully parsed event.
	Decoded
)

// Event is one decoded backend event. Unknown kinds are preserved as-is.
type Event struct {
	Kind    string
	Message string
	// Payload holds the full decoded object, including Kind and Message.
	Payload map[string]any
}

// Field returns the string value stored under key in the payload.
func (e Event) Field(key string) (string, bool) {
	raw, ok := e.Payload[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// Decoding is the result of Decoder.Decode. Event is only meaningful when
// Result is Decoded; Raw and Err describe Malformed records.
type Decoding struct {
	Result DecodeResult
	Event  Event
	Raw    string
	Err    error
}

var errMissingKind = errors.New("event has no kind field")

// DecoderOptions configures the wire format.
type DecoderOptions struct {
	// Prefix marks event records; defaults to "data: ".
	Prefix string
	// KindFields are tried in order for the event kind; defaults to type, kind.
	KindFields []string
	// MessageField defaults to "message".
	MessageField string
}

// Decoder parses single event records. It never panics or returns an error;
// failures are reported through Decoding.
type Decoder struct {
	prefix       string
	kindFields   []string
	messageField string
}

// NewDecoder applies defaults to opts.
func NewDecoder(opts DecoderOptions) *Decoder {
	if opts.Prefix == "" {
		opts.Prefix = "data: "
	}
	if len(opts.KindFields) == 0 {
		opts.KindFields = []string{"type", "kind"}
	}
	if opts.MessageField == "" {
		opts.MessageField = "message"
	}
	return &Decoder{
		prefix:       opts.Prefix,
		kindFields:   append([]string(nil), opts.KindFields...),
		messageField: opts.MessageField,
	}
}

// Decode parses one record.
func (d *Decoder) Decode(record string) Decoding {
	record = strings.TrimSuffix(record, "\r")
	body, ok := strings.CutPrefix(record, d.prefix)
	if !ok {
		return Decoding{Result: NotEvent}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Decoding{Result: Malformed, Raw: record, Err: fmt.Errorf("parse event payload: %w", err)}
	}
	if payload == nil {
		return Decoding{Result: Malformed, Raw: record, Err: errors.New("event payload is not an object")}
	}
	kind, ok := d.lookupString(payload, d.kindFields...)
	if !ok || kind == "" {
		return Decoding{Result: Malformed, Raw: record, Err: errMissingKind}
	}
	msg, _ := d.lookupString(payload, d.messageField)
	return Decoding{
		Result: Decoded,
		Event:  Event{Kind: kind, Message: msg, Payload: payload},
		Raw:    record,
	}
}

func (d *Decoder) lookupString(payload map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok {
			return s, true
		}
	}
	return "", false
}
