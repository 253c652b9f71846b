package types

import (
	"time"

	"github.com/google/uuid"
)

// GroupID is the persisted identity of a rule group (UUIDv7).
// Empty until the store has accepted the group.
type GroupID string

// ConditionID is the persisted identity of a condition row (UUIDv7).
type ConditionID string

// PolicyID is the persisted identity of a commission policy (UUIDv7).
type PolicyID string

// RowID is an in-session identity for an editable row.
// Stable across reindexing, never persisted. Asynchronous results are
// addressed by RowID because positions shift under concurrent edits.
type RowID string

// NewGroupID generates a UUIDv7 group identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewGroupID() GroupID {
	return GroupID(uuid.Must(uuid.NewV7()).String())
}

// NewConditionID generates a UUIDv7 condition identifier.
func NewConditionID() ConditionID {
	return ConditionID(uuid.Must(uuid.NewV7()).String())
}

// NewPolicyID generates a UUIDv7 policy identifier.
func NewPolicyID() PolicyID {
	return PolicyID(uuid.Must(uuid.NewV7()).String())
}

// NewRowID generates a random row identity.
func NewRowID() RowID {
	return RowID(uuid.NewString())
}

// ParseGroupID validates and converts a string to GroupID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the store.
func ParseGroupID(s string) (GroupID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return GroupID(s), nil
}

// ParseConditionID validates and converts a string to ConditionID.
func ParseConditionID(s string) (ConditionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return ConditionID(s), nil
}

// ParsePolicyID validates and converts a string to PolicyID.
func ParsePolicyID(s string) (PolicyID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return PolicyID(s), nil
}

// IDTime extracts the creation timestamp embedded in a UUIDv7 id.
// Returns zero time for invalid or non-v7 ids; caller should check IsZero().
func IDTime(id string) time.Time {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
