package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"prjevent.org/internal/credential"
)

const (
	bootstrapAdminName      = "System Administrator"
	bootstrapPasswordLength = 12
	passwordAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// AdminProvisioner creates the bootstrap administrator if it is absent and
// grants it groups. created reports whether a new identity was written.
type AdminProvisioner interface {
	EnsureAdmin(ctx context.Context, admin Identity, groups []string) (created bool, err error)
}

// BootstrapAdmin provisions BootstrapAdminCode with a random password and
// every builtin group. The password is returned only when the identity was
// created by this call.
func BootstrapAdmin(ctx context.Context, p AdminProvisioner) (password string, created bool, err error) {
	password, err = randomPassword(bootstrapPasswordLength)
	if err != nil {
		return "", false, err
	}
	digest, err := credential.Hash(password)
	if err != nil {
		return "", false, fmt.Errorf("auth: hash bootstrap password: %w", err)
	}
	groups := make([]string, 0, len(BuiltinGroups))
	for _, g := range BuiltinGroups {
		groups = append(groups, g.Name)
	}
	admin := Identity{
		LoginCode: BootstrapAdminCode,
		Name:      bootstrapAdminName,
		Digest:    digest,
		Enabled:   true,
	}
	created, err = p.EnsureAdmin(ctx, admin, groups)
	if err != nil {
		return "", false, err
	}
	if !created {
		return "", false, nil
	}
	return password, true, nil
}

func randomPassword(n int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: random source: %w", err)
		}
		buf[i] = passwordAlphabet[v.Int64()]
	}
	return string(buf), nil
}

// EnsureAdmin implements AdminProvisioner. Missing groups are created.
func (d *Directory) EnsureAdmin(ctx context.Context, admin Identity, groups []string) (bool, error) {
	if _, err := d.FindByLoginCode(ctx, admin.LoginCode); err == nil {
		return false, nil
	}
	if err := d.AddIdentity(admin); err != nil {
		return false, err
	}
	for _, g := range groups {
		if ok, _ := d.CapabilityExists(ctx, g); !ok {
			d.AddGroup(Group{Name: g, Enabled: true})
		}
		if err := d.AssignGroup(ctx, admin.ID, g, admin.ID); err != nil && !errors.Is(err, ErrAlreadyAssigned) {
			return true, err
		}
	}
	return true, nil
}
