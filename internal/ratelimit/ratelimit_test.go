package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCooldownPerOrigin(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Cooldowns{Register: 10 * time.Second}, 100).WithClock(clock.Now)

	ok, _ := l.Allow(Register, "10.0.0.1")
	require.True(t, ok)

	ok, wait := l.Allow(Register, "10.0.0.1")
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, 10*time.Second)

	ok, _ = l.Allow(Register, "10.0.0.2")
	require.True(t, ok, "other origins are independent")

	clock.Advance(10 * time.Second)
	ok, _ = l.Allow(Register, "10.0.0.1")
	require.True(t, ok, "cooldown elapsed")
}

func TestClassesIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Cooldowns{Register: time.Minute, Heartbeat: time.Minute}, 100).WithClock(clock.Now)

	ok, _ := l.Allow(Register, "o")
	require.True(t, ok)
	ok, _ = l.Allow(Heartbeat, "o")
	require.True(t, ok, "heartbeat bucket is separate from register")
}

func TestRejectionDoesNotExtendCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Cooldowns{Write: 4 * time.Second}, 100).WithClock(clock.Now)

	ok, _ := l.Allow(Write, "o")
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		ok, _ = l.Allow(Write, "o")
		require.False(t, ok)
	}
	clock.Advance(time.Second)
	ok, _ = l.Allow(Write, "o")
	require.True(t, ok)
}

func TestZeroCooldownDisabled(t *testing.T) {
	l := New(Cooldowns{}, 10)
	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(Write, "o")
		require.True(t, ok)
	}
	require.Equal(t, 0, l.Len())
}

func TestBoundedOrigins(t *testing.T) {
	l := New(Cooldowns{Write: time.Hour}, 3)
	for _, o := range []string{"a", "b", "c", "d", "e"} {
		l.Allow(Write, o)
	}
	require.Equal(t, 3, l.Len())
}
