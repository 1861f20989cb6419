// Package identity tracks which broadcast group holds all live connections
// of an authenticated identity, enabling forced mass-disconnect on auth
// changes. Anonymous connections share the ".user" bucket.
package identity

import (
	"log/slog"

	"github.com/livefeed-io/livefeed/internal/bus"
)

// Identity is an opaque, already-authenticated identity. A nil *Identity
// means the connection is anonymous.
type Identity struct {
	PK       string
	Username string
}

// GroupKey returns the identity group for the given pk. The empty pk maps
// to the anonymous bucket ".user"; a real pk can never collide with it.
func GroupKey(pk string) string {
	return ".user" + pk
}

// Group returns the identity group for this identity, handling nil as
// anonymous.
func (i *Identity) Group() string {
	if i == nil {
		return GroupKey("")
	}
	return GroupKey(i.PK)
}

// Registry maps identities to their connection groups and force-closes
// them when authentication state changes.
type Registry struct {
	bus bus.Bus
}

func NewRegistry(b bus.Bus) *Registry {
	return &Registry{bus: b}
}

// CloseAll publishes a disconnect instruction to every live connection of
// the identity (or the anonymous bucket for an empty pk). Each member
// terminates itself and leaves all its groups during normal teardown.
func (r *Registry) CloseAll(pk string) {
	slog.Info("Closing all connections for identity", "identity_group", GroupKey(pk))
	r.bus.CloseGroup(GroupKey(pk), bus.CloseCodeForced)
}

// OnLogin force-closes the anonymous bucket. Sockets opened before
// authentication must not be retroactively authorized.
func (r *Registry) OnLogin() {
	r.CloseAll("")
}

// OnLogout force-closes every connection of the identity.
func (r *Registry) OnLogout(pk string) {
	r.CloseAll(pk)
}

// OnIdentityUpdated force-closes connections after a non-creation change
// to the identity record. Permission changes are not re-evaluated live;
// closing and requiring reconnect is simpler and safer.
func (r *Registry) OnIdentityUpdated(pk string, created bool) {
	if created {
		// The identity has to log in first; OnLogin covers that.
		return
	}
	r.CloseAll(pk)
}

// OnIdentityDeleted force-closes connections of a deleted identity.
func (r *Registry) OnIdentityDeleted(pk string) {
	r.CloseAll(pk)
}
