package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	c := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "late") })

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StopAndReset(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	timer := c.AfterFunc(time.Second, func() { count++ })

	assert.True(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.Equal(t, 0, count)

	assert.False(t, timer.Reset(time.Second))
	c.Advance(500 * time.Millisecond)
	assert.True(t, timer.Reset(time.Second))
	c.Advance(900 * time.Millisecond)
	assert.Equal(t, 0, count)
	c.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, count)
}
