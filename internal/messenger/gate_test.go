package messenger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionGateSerializesPerSession(t *testing.T) {
	t.Parallel()

	g := NewSessionGate()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Lock("s1")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
			g.Unlock("s1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "only one send at a time per session")
}

func TestSessionGateIndependentSessions(t *testing.T) {
	t.Parallel()

	g := NewSessionGate()
	g.Lock("a")

	done := make(chan struct{})
	go func() {
		g.Lock("b")
		g.Unlock("b")
		close(done)
	}()
	<-done // would deadlock if sessions shared a lock

	g.Unlock("a")
}
