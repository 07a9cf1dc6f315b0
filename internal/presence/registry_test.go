package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type adminOnly struct{}

func (adminOnly) IsPrivileged(role string) bool { return role == "admin" }

type fakeHandle struct {
	id string

	mu     sync.Mutex
	frames []Frame
	closed string
}

func newHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Push(f Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	return nil
}

func (h *fakeHandle) Close(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = reason
}

func (h *fakeHandle) closedWith() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func newRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return NewRegistry(adminOnly{}, b, zap.NewNop()), b
}

func TestRegisterRejectsMissingIdentity(t *testing.T) {
	r, _ := newRegistry(t)
	assert.ErrorIs(t, r.Register(0, "user", newHandle("h")), ErrNoIdentity)
	assert.ErrorIs(t, r.Register(-3, "user", newHandle("h")), ErrNoIdentity)
	assert.ErrorIs(t, r.Register(1, "user", nil), ErrNoIdentity)
	assert.Empty(t, r.Connections())
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := newRegistry(t)
	a1, a2 := newHandle("a1"), newHandle("a2")
	op := newHandle("op")

	require.NoError(t, r.Register(1, "user", a1))
	require.NoError(t, r.Register(1, "user", a2))
	require.NoError(t, r.Register(9, "admin", op))
	require.NoError(t, r.Register(1, "user", a1)) // duplicate is a no-op

	assert.Equal(t, []Handle{a1, a2}, r.HandlesFor(1))
	assert.Equal(t, []Handle{op}, r.PrivilegedHandles())
	assert.Empty(t, r.HandlesFor(42))
	assert.True(t, r.Online(1))
	assert.False(t, r.Online(42))
	assert.Len(t, r.Connections(), 3)
}

func TestUnregisterRemovesOnlyThatHandle(t *testing.T) {
	r, _ := newRegistry(t)
	op1, op2 := newHandle("op1"), newHandle("op2")
	require.NoError(t, r.Register(9, "admin", op1))
	require.NoError(t, r.Register(9, "admin", op2))

	assert.True(t, r.Unregister(op1))
	assert.False(t, r.Unregister(op1), "second unregister is a no-op")

	assert.Equal(t, []Handle{op2}, r.HandlesFor(9))
	assert.Equal(t, []Handle{op2}, r.PrivilegedHandles())

	assert.True(t, r.Unregister(op2))
	assert.False(t, r.Online(9))
	assert.Empty(t, r.PrivilegedHandles())
}

func TestReadsAreStableWithoutMutation(t *testing.T) {
	r, _ := newRegistry(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Register(9, "admin", newHandle(fmt.Sprintf("h%02d", i))))
	}
	first := r.PrivilegedHandles()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.PrivilegedHandles())
		assert.Equal(t, first, r.HandlesFor(9))
	}
}

func TestPresenceEventsArePublished(t *testing.T) {
	r, b := newRegistry(t)
	ch, unsub := b.Subscribe("presence.", 4)
	defer unsub()

	h := newHandle("h")
	require.NoError(t, r.Register(5, "user", h))
	r.Unregister(h)

	evt := <-ch
	assert.Equal(t, bus.KindPresenceConnected, evt.Kind)
	assert.Equal(t, int64(5), evt.Payload.(Connection).UserID)
	evt = <-ch
	assert.Equal(t, bus.KindPresenceGone, evt.Kind)
}

func TestDropUserClosesHandles(t *testing.T) {
	r, _ := newRegistry(t)
	a1, a2, b1 := newHandle("a1"), newHandle("a2"), newHandle("b1")
	require.NoError(t, r.Register(1, "user", a1))
	require.NoError(t, r.Register(1, "user", a2))
	require.NoError(t, r.Register(2, "user", b1))

	assert.Equal(t, 2, r.DropUser(1, "account deleted"))
	assert.Equal(t, "account deleted", a1.closedWith())
	assert.Equal(t, "account deleted", a2.closedWith())
	assert.Empty(t, b1.closedWith())
	assert.False(t, r.Online(1))
	assert.True(t, r.Online(2))
}

func TestCloseForgetsEverything(t *testing.T) {
	r, _ := newRegistry(t)
	h1, h2 := newHandle("h1"), newHandle("h2")
	require.NoError(t, r.Register(1, "user", h1))
	require.NoError(t, r.Register(9, "admin", h2))

	r.Close()
	assert.NotEmpty(t, h1.closedWith())
	assert.NotEmpty(t, h2.closedWith())
	assert.Empty(t, r.Connections())
	assert.Empty(t, r.PrivilegedHandles())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r, _ := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := newHandle(fmt.Sprintf("h%d", i))
			_ = r.Register(int64(i%5+1), "admin", h)
			_ = r.PrivilegedHandles()
			r.Unregister(h)
		}(i)
	}
	wg.Wait()
	assert.Empty(t, r.Connections())
}
