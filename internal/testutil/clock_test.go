package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock()
	assert.True(t, clock.Now().Equal(Epoch))
}

func TestDeterministicClock_Advance(t *testing.T) {
	clock := NewDeterministicClock()

	assert.Equal(t, Epoch.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())

	// Going backwards is ignored
	clock.Advance(-time.Hour)
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}

func TestDeterministicClock_Reset(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Advance(time.Minute)
	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Advance(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}
