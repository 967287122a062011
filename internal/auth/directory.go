package auth

import (
	"context"
	"strings"
	"sync"
)

// Directory is an in-memory identity and group backend for development
// and tests. It satisfies IdentityLookup, GroupMembership,
// CapabilitySnapshotter and GroupAssigner.
type Directory struct {
	mu         sync.RWMutex
	identities map[int64]Identity
	byCode     map[string]int64
	groups     map[string]Group
	members    map[int64]map[string]bool
	nextGroup  int64
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		identities: make(map[int64]Identity),
		byCode:     make(map[string]int64),
		groups:     make(map[string]Group),
		members:    make(map[int64]map[string]bool),
	}
}

// AddIdentity registers ident. Login codes are unique.
func (d *Directory) AddIdentity(ident Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byCode[ident.LoginCode]; ok {
		return ErrIdentityExists
	}
	if _, ok := d.identities[ident.ID]; ok {
		return ErrIdentityExists
	}
	d.identities[ident.ID] = ident
	d.byCode[ident.LoginCode] = ident.ID
	return nil
}

// SetEnabled flips the enabled flag of an identity.
func (d *Directory) SetEnabled(id int64, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ident, ok := d.identities[id]
	if !ok {
		return ErrIdentityNotFound
	}
	ident.Enabled = enabled
	d.identities[id] = ident
	return nil
}

// AddGroup registers or replaces a group by name.
func (d *Directory) AddGroup(g Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.groups[g.Name]; ok {
		g.ID = existing.ID
	} else if g.ID == 0 {
		d.nextGroup++
		g.ID = d.nextGroup
	}
	d.groups[g.Name] = g
}

// RevokeGroup removes a membership. Unknown memberships are ignored.
func (d *Directory) RevokeGroup(identityID int64, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[identityID], group)
}

func (d *Directory) FindByLoginCode(_ context.Context, loginCode string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byCode[loginCode]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return d.identities[id], nil
}

func (d *Directory) FindByID(_ context.Context, id int64) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, ok := d.identities[id]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}

func (d *Directory) CapabilityExists(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[name]
	return ok, nil
}

func (d *Directory) HasCapability(_ context.Context, identityID int64, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.grantedLocked(identityID, name), nil
}

func (d *Directory) CapabilitySnapshot(_ context.Context, identityID int64, name string) (CapabilitySnapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ident, found := d.identities[identityID]
	_, exists := d.groups[name]
	return CapabilitySnapshot{
		Identity:         ident,
		IdentityFound:    found,
		CapabilityExists: exists,
		Granted:          d.grantedLocked(identityID, name),
	}, nil
}

func (d *Directory) grantedLocked(identityID int64, name string) bool {
	g, ok := d.groups[name]
	if !ok || !g.Enabled {
		return false
	}
	return d.members[identityID][name]
}

// AssignGroup grants group to identityID.
func (d *Directory) AssignGroup(_ context.Context, identityID int64, group string, _ int64) error {
	group = strings.TrimSpace(group)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.identities[identityID]; !ok {
		return ErrIdentityNotFound
	}
	if _, ok := d.groups[group]; !ok {
		return ErrGroupNotFound
	}
	set := d.members[identityID]
	if set == nil {
		set = make(map[string]bool)
		d.members[identityID] = set
	}
	if set[group] {
		return ErrAlreadyAssigned
	}
	set[group] = true
	return nil
}

var (
	_ IdentityLookup        = (*Directory)(nil)
	_ GroupMembership       = (*Directory)(nil)
	_ CapabilitySnapshotter = (*Directory)(nil)
	_ GroupAssigner         = (*Directory)(nil)
)
