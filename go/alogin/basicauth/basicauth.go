// Package basicauth implements alogin.Login using HTTP Basic Auth verified
// against an external user store. Passwords in the store are either plain or
// pre-hashed with sha256, which matches how the admin accounts are
// provisioned.
package basicauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"go.lapig.org/tiles/go/alogin"
	"go.lapig.org/tiles/go/roles"
	"go.lapig.org/tiles/go/sklog"
)

// User is a single account from the user store.
type User struct {
	Email string
	// Password is either the plain password or "sha256:<hex digest>".
	Password string
	Roles    roles.Roles
}

// UserStore looks up admin accounts. Implemented by the campaigns package on
// top of MongoDB, and by in-memory fakes in tests.
type UserStore interface {
	// LookupUser returns the user with the given email, or an error if the
	// user does not exist.
	LookupUser(ctx context.Context, email string) (User, error)
}

const hashedPrefix = "sha256:"

type login struct {
	store UserStore
}

// New returns an alogin.Login that checks HTTP Basic Auth credentials against
// the given UserStore.
func New(store UserStore) alogin.Login {
	return &login{store: store}
}

// check returns the user if the request carries valid credentials.
func (l *login) check(r *http.Request) (User, bool) {
	email, password, ok := r.BasicAuth()
	if !ok {
		return User{}, false
	}
	user, err := l.store.LookupUser(r.Context(), email)
	if err != nil {
		sklog.Warningf("Basic auth lookup failed for %q: %s", email, err)
		return User{}, false
	}
	if !passwordMatches(user.Password, password) {
		return User{}, false
	}
	return user, true
}

func passwordMatches(stored, supplied string) bool {
	if strings.HasPrefix(stored, hashedPrefix) {
		digest := sha256.Sum256([]byte(supplied))
		supplied = hex.EncodeToString(digest[:])
		stored = strings.TrimPrefix(stored, hashedPrefix)
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// LoggedInAs implements alogin.Login.
func (l *login) LoggedInAs(r *http.Request) alogin.EMail {
	user, ok := l.check(r)
	if !ok {
		return alogin.NotLoggedIn
	}
	return alogin.EMail(user.Email)
}

// Status implements alogin.Login.
func (l *login) Status(r *http.Request) alogin.Status {
	user, ok := l.check(r)
	if !ok {
		return alogin.Status{}
	}
	return alogin.Status{
		EMail: alogin.EMail(user.Email),
		Roles: user.Roles,
	}
}

// Roles implements alogin.Login.
func (l *login) Roles(r *http.Request) roles.Roles {
	user, ok := l.check(r)
	if !ok {
		return roles.Roles{}
	}
	return user.Roles
}

// HasRole implements alogin.Login.
func (l *login) HasRole(r *http.Request, role roles.Role) bool {
	return l.Roles(r).Has(role)
}
