package auth

import (
	"context"
	"errors"
	"testing"
)

// stepwiseGroups hides the snapshot capability of a Directory so the
// Guard falls back to separate membership reads.
type stepwiseGroups struct {
	dir *Directory
}

func (s stepwiseGroups) CapabilityExists(ctx context.Context, name string) (bool, error) {
	return s.dir.CapabilityExists(ctx, name)
}

func (s stepwiseGroups) HasCapability(ctx context.Context, id int64, name string) (bool, error) {
	return s.dir.HasCapability(ctx, id, name)
}

type failingGroups struct{}

func (failingGroups) CapabilityExists(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func (failingGroups) HasCapability(context.Context, int64, string) (bool, error) {
	return false, errors.New("db down")
}

func guardsFor(t *testing.T, f *fixture) map[string]*Guard {
	t.Helper()
	stepwise, err := NewGuard(f.store, f.dir, stepwiseGroups{dir: f.dir})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	return map[string]*Guard{"snapshot": f.guard, "stepwise": stepwise}
}

func TestRequireSessionFailsClosed(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "unknown-token"} {
		if _, err := f.guard.RequireSession(context.Background(), token); !errors.Is(err, ErrNotAuthenticated) {
			t.Fatalf("token %q: expected not authenticated, got %v", token, err)
		}
	}
}

func TestRequireSessionRechecksEnablement(t *testing.T) {
	f := newFixture(t)
	res := f.login(t)
	if err := f.dir.SetEnabled(testIdentity, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := f.guard.RequireSession(context.Background(), res.Token); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected disabled identity to be rejected, got %v", err)
	}
	if err := f.dir.SetEnabled(testIdentity, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := f.guard.RequireSession(context.Background(), res.Token); err != nil {
		t.Fatalf("expected re-enabled identity to pass, got %v", err)
	}
}

func TestRequireCapabilityOutcomes(t *testing.T) {
	for _, name := range []string{"snapshot", "stepwise"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			guard := guardsFor(t, f)[name]
			res := f.login(t)
			ctx := context.Background()

			if _, err := guard.RequireCapability(ctx, res.Token, CapViewUsers); !errors.Is(err, ErrCapabilityDenied) {
				t.Fatalf("expected denied, got %v", err)
			}
			_, err := guard.RequireCapability(ctx, res.Token, "veiw_users")
			if !errors.Is(err, ErrCapabilityUnknown) || errors.Is(err, ErrCapabilityDenied) {
				t.Fatalf("expected unknown capability distinct from denial, got %v", err)
			}

			if err := f.dir.AssignGroup(ctx, testIdentity, CapViewUsers, 0); err != nil {
				t.Fatalf("assign: %v", err)
			}
			ident, err := guard.RequireCapability(ctx, res.Token, CapViewUsers)
			if err != nil || ident.ID != testIdentity {
				t.Fatalf("expected allowed, got %+v (%v)", ident, err)
			}

			f.dir.RevokeGroup(testIdentity, CapViewUsers)
			if _, err := guard.RequireCapability(ctx, res.Token, CapViewUsers); !errors.Is(err, ErrCapabilityDenied) {
				t.Fatalf("expected revocation to apply immediately, got %v", err)
			}
		})
	}
}

func TestRequireCapabilityNeedsSession(t *testing.T) {
	f := newFixture(t)
	if err := f.dir.AssignGroup(context.Background(), testIdentity, CapViewUsers, 0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	res := f.login(t)
	if err := f.auth.Logout(context.Background(), res.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	for name, guard := range guardsFor(t, f) {
		for _, capability := range []string{CapViewUsers, "no_such_capability"} {
			_, err := guard.RequireCapability(context.Background(), res.Token, capability)
			if !errors.Is(err, ErrNotAuthenticated) {
				t.Fatalf("%s/%s: expected not authenticated, got %v", name, capability, err)
			}
		}
	}
}

func TestRequireCapabilityDisabledGroupDoesNotGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.dir.AssignGroup(ctx, testIdentity, CapViewUsers, 0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.dir.AddGroup(Group{Name: CapViewUsers, Enabled: false})
	res := f.login(t)
	if _, err := f.guard.RequireCapability(ctx, res.Token, CapViewUsers); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected disabled group to deny, got %v", err)
	}
}

func TestRequireCapabilityBackendFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	guard, err := NewGuard(f.store, f.dir, failingGroups{})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	res := f.login(t)
	if _, err := guard.RequireCapability(context.Background(), res.Token, CapViewUsers); !errors.Is(err, ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), Identity{ID: 9, LoginCode: "X"})
	ctx = ContextWithToken(ctx, "tok")
	ident, ok := IdentityFromContext(ctx)
	if !ok || ident.ID != 9 {
		t.Fatalf("unexpected identity %+v", ident)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token %q", tok)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity")
	}
}
