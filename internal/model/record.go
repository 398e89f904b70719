package model

import "time"

// Record load-state constants.
const (
	StateNotLoaded = "not_loaded"
	StateLoading   = "loading"
	StateLoaded    = "loaded"
	StateError     = "error"
)

// validTransitions maps each load state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateNotLoaded: {
		StateLoading: true,
	},
	StateLoading: {
		StateLoaded: true,
		StateError:  true,
	},
}

// ValidTransition reports whether transitioning from one load state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Policy decides whether a record may be created in or deleted from a
// collection. A nil error means the operation is allowed.
type Policy interface {
	AllowCreate(r *Record) error
	AllowDelete(r *Record) error
}

// Record represents one entity inside a collection. A record is either
// fully committed (persisted, New == false, state loaded) or absent from
// its collection; partially-added records are never observable after the
// owning operation settles.
type Record struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Attrs     map[string]any `json:"attrs"`
	New       bool           `json:"new"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"created_at"`

	// Policy gates create/delete. Nil means unrestricted.
	Policy Policy `json:"-"`
}

// NewRecord creates a fresh, not-yet-persisted record rooted at the given
// collection path.
func NewRecord(path string, attrs map[string]any) *Record {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &Record{
		ID:        NewID(),
		Path:      path,
		Attrs:     attrs,
		New:       true,
		State:     StateLoading,
		CreatedAt: time.Now().UTC(),
	}
}

// Get returns the named attribute, or nil if absent.
func (r *Record) Get(key string) any {
	return r.Attrs[key]
}

// Set assigns the named attribute.
func (r *Record) Set(key string, v any) {
	if r.Attrs == nil {
		r.Attrs = map[string]any{}
	}
	r.Attrs[key] = v
}

// AllowCreate applies the record's policy to a create.
func (r *Record) AllowCreate() error {
	if r.Policy == nil {
		return nil
	}
	return r.Policy.AllowCreate(r)
}

// AllowDelete applies the record's policy to a delete.
func (r *Record) AllowDelete() error {
	if r.Policy == nil {
		return nil
	}
	return r.Policy.AllowDelete(r)
}
