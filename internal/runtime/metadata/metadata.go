package metadata

import (
	"time"
)

// Headers carries the application headers of a delivery. Values are loosely
// typed because brokers annotate messages with nested tables (see Deaths).
type Headers map[string]any

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the headers map.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns cloned headers containing the provided key/value pair.
func (h Headers) With(key string, value any) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns cloned headers containing the supplied entries.
func (h Headers) WithAll(entries Headers) Headers {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// String returns the header value when it is a string.
func (h Headers) String(key string) string {
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}

// New constructs Headers from alternating key/value pairs.
func New(pairs ...any) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		h[key] = pairs[i+1]
	}
	return h
}

// AMQP delivery modes.
const (
	DeliveryModeTransient  uint8 = 1
	DeliveryModePersistent uint8 = 2
)

// Metadata holds the message properties that travel alongside a payload.
type Metadata struct {
	Headers         Headers
	ContentType     string
	ContentEncoding string
	MessageID       string
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	Type            string
	AppID           string
	UserID          string
	Timestamp       time.Time
	Priority        uint8
	DeliveryMode    uint8
}

// Clone returns a copy of m whose Headers map can be mutated independently.
func (m Metadata) Clone() Metadata {
	m.Headers = m.Headers.Clone()
	return m
}

// Persistent reports whether the message was published with delivery mode 2.
func (m Metadata) Persistent() bool {
	return m.DeliveryMode == DeliveryModePersistent
}

// HeaderCarrier exposes string headers to propagators that read and write
// text maps, such as OpenTelemetry's.
type HeaderCarrier Headers

// Get returns the string value stored under key.
func (c HeaderCarrier) Get(key string) string {
	return Headers(c).String(key)
}

// Set stores value under key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys holding string values.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k, v := range c {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}
