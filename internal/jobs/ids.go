package jobs

import "github.com/google/uuid"

// IDGenerator produces job identities.
type IDGenerator func() string

// UUIDv7 returns time-ordered identifiers, falling back to v4 if the clock
// source fails.
func UUIDv7() IDGenerator {
	return func() string {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.NewString()
		}
		return id.String()
	}
}

var newID = UUIDv7()
