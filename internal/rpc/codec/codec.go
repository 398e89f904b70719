// Package codec provides pluggable envelope encodings for channels.
// Implementations must be deterministic and safe for cross-process exchange.
package codec

// Codec marshals and unmarshals wire envelopes.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry constructs a registry preloaded with the JSON codec. CBOR is
// added explicitly via Register(CBOR()) because its construction can fail.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	return r
}

// Register adds a codec, replacing any codec with the same content type.
func (r *Registry) Register(c Codec) {
	r.byType[c.ContentType()] = c
}

// Get returns the codec for a content type, or nil if none is registered.
func (r *Registry) Get(contentType string) Codec {
	return r.byType[contentType]
}
