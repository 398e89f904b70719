package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh record identifier. ULIDs are used so that ids sort
// roughly by creation time, which keeps store listings readable; collection
// position is always tracked explicitly and never derived from the id.
func NewID() string {
	return ulid.Make().String()
}
