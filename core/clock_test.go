package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock(testEpoch)

	assert.Equal(t, testEpoch, c.Now())
	c.Advance(90 * time.Second)
	assert.Equal(t, testEpoch.Add(90*time.Second), c.Now())
	assert.Equal(t, 90*time.Second, c.Since(testEpoch))
}

func TestFakeClockAfter(t *testing.T) {
	c := NewFakeClock(testEpoch)
	ch := c.After(time.Minute)

	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	c.Advance(time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, testEpoch.Add(time.Minute), at)
	default:
		t.Fatal("waiter did not fire at its deadline")
	}

	// Non-positive waits fire immediately.
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero wait did not fire")
	}
}

func TestFakeClockTicker(t *testing.T) {
	c := NewFakeClock(testEpoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}

	// Advancing across several periods delivers at least one tick; the fake
	// ticker never buffers more than one, like time.Ticker.
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after long advance")
	}

	ticker.Stop()
	c.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClockOrderedWaiters(t *testing.T) {
	c := NewFakeClock(testEpoch)
	first := c.After(time.Second)
	second := c.After(time.Minute)

	c.Advance(30 * time.Second)

	select {
	case at := <-first:
		// The waiter observes its own deadline, not the advance target.
		require.Equal(t, testEpoch.Add(time.Second), at)
	default:
		t.Fatal("first waiter did not fire")
	}
	select {
	case <-second:
		t.Fatal("second waiter fired early")
	default:
	}
}
