package auth

import "context"

// IdentityLookup resolves identities. Both methods return
// ErrIdentityNotFound when nothing matches.
type IdentityLookup interface {
	FindByLoginCode(ctx context.Context, loginCode string) (Identity, error)
	FindByID(ctx context.Context, id int64) (Identity, error)
}

// GroupMembership answers capability questions against current data.
// Disabled groups and disabled membership rows never grant.
type GroupMembership interface {
	CapabilityExists(ctx context.Context, name string) (bool, error)
	HasCapability(ctx context.Context, identityID int64, name string) (bool, error)
}

// CapabilitySnapshot is a consistent view of one authorization question.
type CapabilitySnapshot struct {
	Identity         Identity
	IdentityFound    bool
	CapabilityExists bool
	Granted          bool
}

// CapabilitySnapshotter is implemented by backends that can answer an
// authorization question in a single read.
type CapabilitySnapshotter interface {
	CapabilitySnapshot(ctx context.Context, identityID int64, name string) (CapabilitySnapshot, error)
}

// GroupAssigner grants group membership. It returns ErrIdentityNotFound,
// ErrGroupNotFound or ErrAlreadyAssigned for the corresponding outcomes.
type GroupAssigner interface {
	AssignGroup(ctx context.Context, identityID int64, group string, actorID int64) error
}
