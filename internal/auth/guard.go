package auth

import (
	"context"
	"errors"

	"prjevent.org/internal/obs"
	"prjevent.org/internal/session"
)

// Guard answers "who is calling" and "may they do this" for a session
// token. It fails closed and re-reads identity and membership state on
// every call.
type Guard struct {
	sessions   session.Store
	identities IdentityLookup
	groups     GroupMembership
}

// NewGuard returns a Guard over the given collaborators.
func NewGuard(sessions session.Store, identities IdentityLookup, groups GroupMembership) (*Guard, error) {
	if sessions == nil || identities == nil || groups == nil {
		return nil, errors.New("auth: sessions, identities and groups are required")
	}
	return &Guard{sessions: sessions, identities: identities, groups: groups}, nil
}

// RequireSession resolves token to an enabled identity and records
// activity on the session.
func (g *Guard) RequireSession(ctx context.Context, token string) (Identity, error) {
	rec, err := g.session(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	ident, err := g.identities.FindByID(ctx, rec.IdentityID)
	if errors.Is(err, ErrIdentityNotFound) {
		return Identity{}, ErrNotAuthenticated
	}
	if err != nil {
		return Identity{}, internalError("find identity", err)
	}
	if !ident.Enabled {
		return Identity{}, ErrNotAuthenticated
	}
	if err := g.touch(ctx, token); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// RequireCapability is RequireSession followed by a membership check.
// An unknown capability yields ErrCapabilityUnknown, a missing grant
// ErrCapabilityDenied.
func (g *Guard) RequireCapability(ctx context.Context, token, capability string) (ident Identity, err error) {
	defer func() { obs.ObserveAuthz(authzOutcome(err)) }()

	snap, ok := g.groups.(CapabilitySnapshotter)
	if !ok {
		return g.requireCapabilityStepwise(ctx, token, capability)
	}
	rec, err := g.session(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	view, err := snap.CapabilitySnapshot(ctx, rec.IdentityID, capability)
	if err != nil {
		return Identity{}, internalError("capability snapshot", err)
	}
	if !view.IdentityFound || !view.Identity.Enabled {
		return Identity{}, ErrNotAuthenticated
	}
	if err := g.touch(ctx, token); err != nil {
		return Identity{}, err
	}
	if !view.CapabilityExists {
		return Identity{}, ErrCapabilityUnknown
	}
	if !view.Granted {
		return Identity{}, ErrCapabilityDenied
	}
	return view.Identity, nil
}

func (g *Guard) requireCapabilityStepwise(ctx context.Context, token, capability string) (Identity, error) {
	ident, err := g.RequireSession(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	exists, err := g.groups.CapabilityExists(ctx, capability)
	if err != nil {
		return Identity{}, internalError("capability exists", err)
	}
	if !exists {
		return Identity{}, ErrCapabilityUnknown
	}
	granted, err := g.groups.HasCapability(ctx, ident.ID, capability)
	if err != nil {
		return Identity{}, internalError("has capability", err)
	}
	if !granted {
		return Identity{}, ErrCapabilityDenied
	}
	return ident, nil
}

func (g *Guard) session(ctx context.Context, token string) (session.Record, error) {
	if token == "" {
		return session.Record{}, ErrNotAuthenticated
	}
	rec, err := g.sessions.Get(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return session.Record{}, ErrNotAuthenticated
	}
	if err != nil {
		return session.Record{}, internalError("read session", err)
	}
	return rec, nil
}

func (g *Guard) touch(ctx context.Context, token string) error {
	err := g.sessions.Touch(ctx, token)
	if errors.Is(err, session.ErrNotFound) {
		return ErrNotAuthenticated
	}
	if err != nil {
		return internalError("touch session", err)
	}
	return nil
}

func authzOutcome(err error) string {
	switch {
	case err == nil:
		return "allowed"
	case errors.Is(err, ErrNotAuthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrCapabilityUnknown):
		return "unknown_capability"
	case errors.Is(err, ErrCapabilityDenied):
		return "denied"
	default:
		return "error"
	}
}
