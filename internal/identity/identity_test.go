package identity

import (
	"testing"

	"github.com/livefeed-io/livefeed/internal/bus"
	"github.com/stretchr/testify/assert"
)

// fakeBus records CloseGroup calls.
type fakeBus struct {
	closed []string
	codes  []int
}

func (f *fakeBus) Join(string, bus.Subscriber) error  { return nil }
func (f *fakeBus) Leave(string, bus.Subscriber) error { return nil }
func (f *fakeBus) LeaveAll(bus.Subscriber) error      { return nil }
func (f *fakeBus) Publish(string, []byte)             {}
func (f *fakeBus) Stop()                              {}

func (f *fakeBus) CloseGroup(group string, code int) {
	f.closed = append(f.closed, group)
	f.codes = append(f.codes, code)
}

func TestGroupKey(t *testing.T) {
	assert.Equal(t, ".user42", GroupKey("42"))
	assert.Equal(t, ".user", GroupKey(""), "empty pk maps to the anonymous bucket")
}

func TestIdentityGroup_NilIsAnonymous(t *testing.T) {
	var ident *Identity
	assert.Equal(t, ".user", ident.Group())

	ident = &Identity{PK: "42", Username: "alice"}
	assert.Equal(t, ".user42", ident.Group())
}

func TestRegistry_CloseAll(t *testing.T) {
	fb := &fakeBus{}
	reg := NewRegistry(fb)

	reg.CloseAll("42")

	assert.Equal(t, []string{".user42"}, fb.closed)
	assert.Equal(t, []int{bus.CloseCodeForced}, fb.codes)
}

func TestRegistry_OnLoginClosesAnonymousBucket(t *testing.T) {
	fb := &fakeBus{}
	reg := NewRegistry(fb)

	reg.OnLogin()

	assert.Equal(t, []string{".user"}, fb.closed)
}

func TestRegistry_OnIdentityUpdated(t *testing.T) {
	fb := &fakeBus{}
	reg := NewRegistry(fb)

	reg.OnIdentityUpdated("42", true)
	assert.Empty(t, fb.closed, "creation must not close anything")

	reg.OnIdentityUpdated("42", false)
	assert.Equal(t, []string{".user42"}, fb.closed)
}

func TestRegistry_OnLogoutAndDeletion(t *testing.T) {
	fb := &fakeBus{}
	reg := NewRegistry(fb)

	reg.OnLogout("42")
	reg.OnIdentityDeleted("43")

	assert.Equal(t, []string{".user42", ".user43"}, fb.closed)
}
