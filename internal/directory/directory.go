// Package directory provides the static lookup of local users and banned
// addresses. A Directory is an immutable snapshot built once at startup;
// Holder swaps snapshots atomically when the files are reloaded.
package directory

import (
	"sync/atomic"
)

// PlaintextPassword is the only password type honored by Lookup.
const PlaintextPassword = "plaintext"

// Password is a stored password descriptor.
type Password struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value" json:"value"`
}

// User is a local account. Fields other than username and password are kept
// in Profile and passed through untouched.
type User struct {
	Username string         `yaml:"username" json:"username"`
	Password *Password      `yaml:"password" json:"password"`
	Profile  map[string]any `yaml:",inline" json:"-"`
}

// Directory is a read-only snapshot of users and banned addresses.
type Directory struct {
	users  []User
	byName map[string]int
	banned map[string]struct{}
}

// New builds a snapshot from the given users and banned addresses. The
// slices are copied; later changes by the caller are not observed.
func New(users []User, banned []string) *Directory {
	d := &Directory{
		users:  make([]User, len(users)),
		byName: make(map[string]int, len(users)),
		banned: make(map[string]struct{}, len(banned)),
	}
	copy(d.users, users)
	for i, u := range d.users {
		// first record wins, matching a linear scan
		if _, ok := d.byName[u.Username]; !ok {
			d.byName[u.Username] = i
		}
	}
	for _, b := range banned {
		d.banned[b] = struct{}{}
	}
	return d
}

// Lookup returns the user whose username and plaintext password both match.
// The comparison is exact. Unknown users and wrong passwords are not
// distinguished.
func (d *Directory) Lookup(username, password string) (*User, bool) {
	for i := range d.users {
		u := &d.users[i]
		if u.Username != username || u.Password == nil {
			continue
		}
		if u.Password.Type == PlaintextPassword && u.Password.Value == password {
			cp := *u
			return &cp, true
		}
	}
	return nil, false
}

// Exists reports whether a user with the given username is stored.
func (d *Directory) Exists(username string) bool {
	_, ok := d.byName[username]
	return ok
}

// IsBanned reports whether address is in the ban list, verbatim.
func (d *Directory) IsBanned(address string) bool {
	_, ok := d.banned[address]
	return ok
}

// Len returns the number of users and banned addresses.
func (d *Directory) Len() (users, banned int) {
	return len(d.users), len(d.banned)
}

// Holder publishes the current Directory snapshot.
type Holder struct {
	current atomic.Pointer[Directory]
}

// NewHolder returns a Holder publishing d.
func NewHolder(d *Directory) *Holder {
	h := &Holder{}
	h.current.Store(d)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Directory {
	return h.current.Load()
}

// Swap replaces the current snapshot and returns the previous one.
func (h *Holder) Swap(d *Directory) *Directory {
	return h.current.Swap(d)
}
