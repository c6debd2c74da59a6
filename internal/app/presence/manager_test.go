package presence

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager() (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewManager(clock.Now), clock
}

func TestOpenSessionReplacesSameDevice(t *testing.T) {
	m, _ := newManager()
	first, replaced, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)
	assert.Nil(t, replaced)
	assert.Equal(t, domain.StatusOnline, first.Status)

	_, _, err = m.OpenSession("alice", "phone")
	require.NoError(t, err)
	second, replaced, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, first.ID, replaced.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, m.Count())
	assert.Len(t, m.SessionsOf("alice"), 2)

	_, ok := m.Get(first.ID)
	assert.False(t, ok)
}

func TestOpenSessionRejectsEmptyIdentity(t *testing.T) {
	m, _ := newManager()
	_, _, err := m.OpenSession("", "laptop")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSweepBoundary(t *testing.T) {
	const threshold = 120 * time.Minute
	m, clock := newManager()
	s, _, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)

	var cancelled atomic.Bool
	require.True(t, m.BindCancel(s.ID, func() { cancelled.Store(true) }))

	clock.Advance(threshold - time.Second)
	assert.Empty(t, m.SweepExpired(threshold))

	clock.Advance(time.Second)
	assert.Empty(t, m.SweepExpired(threshold), "idle for exactly the threshold survives")

	clock.Advance(time.Second)
	expired := m.SweepExpired(threshold)
	require.Len(t, expired, 1)
	assert.Equal(t, s.ID, expired[0].ID)
	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, m.Count())
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	const threshold = time.Hour
	m, clock := newManager()
	s, _, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	require.NoError(t, m.Touch(s.ID))
	clock.Advance(50 * time.Minute)
	assert.Empty(t, m.SweepExpired(threshold))

	assert.ErrorIs(t, m.Touch("missing"), domain.ErrNotFound)
}

func TestStatusAndVisibility(t *testing.T) {
	m, _ := newManager()
	s, _, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)

	_, err = m.SetStatus(s.ID, domain.StatusOffline)
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := m.SetStatus(s.ID, domain.StatusInvisible)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInvisible, got.Status)
	assert.Equal(t, domain.StatusOffline, m.VisibleStatus("alice"))

	phone, _, err := m.OpenSession("alice", "phone")
	require.NoError(t, err)
	_, err = m.SetStatus(phone.ID, domain.StatusDND)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDND, m.VisibleStatus("alice"))
	assert.Equal(t, domain.StatusOffline, m.VisibleStatus("bob"))
}

func TestCloseSession(t *testing.T) {
	m, _ := newManager()
	s, _, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)

	closed, err := m.CloseSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, closed.ID)
	_, err = m.CloseSession(s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// the device slot is free again
	_, replaced, err := m.OpenSession("alice", "laptop")
	require.NoError(t, err)
	assert.Nil(t, replaced)
}

func TestCloseAllCancels(t *testing.T) {
	m, _ := newManager()
	var n atomic.Int32
	for _, dev := range []domain.DeviceID{"a", "b", "c"} {
		s, _, err := m.OpenSession("alice", dev)
		require.NoError(t, err)
		m.BindCancel(s.ID, func() { n.Add(1) })
	}
	assert.Equal(t, 3, m.CloseAll())
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, 0, m.Count())
}
