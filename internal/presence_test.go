package internal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresenceTrackerReferenceCounts(t *testing.T) {
	req := require.New(t)
	presence := NewPresenceTracker()

	const tabs = 4
	for i := 0; i < tabs; i++ {
		first := presence.Connect("alice")
		req.Equal(i == 0, first, "only the first connection is a transition")
	}
	req.True(presence.Online("alice"))
	req.Equal(tabs, presence.Connections("alice"))

	offline := 0
	for i := 0; i < tabs; i++ {
		if presence.Disconnect("alice") {
			offline++
		}
		if i < tabs-1 {
			req.True(presence.Online("alice"), "still online after %d disconnects", i+1)
		}
	}
	req.Equal(1, offline)
	req.False(presence.Online("alice"))
	req.Zero(presence.ActiveCount())
}

func TestPresenceTrackerIgnoresUnknownDisconnect(t *testing.T) {
	presence := NewPresenceTracker()
	require.False(t, presence.Disconnect("ghost"))
	require.Zero(t, presence.ActiveCount())
}

func TestPresenceTrackerInstancesAreIndependent(t *testing.T) {
	a, b := NewPresenceTracker(), NewPresenceTracker()
	a.Connect("alice")
	require.True(t, a.Online("alice"))
	require.False(t, b.Online("alice"))
}

func TestPresenceTrackerConcurrentConnections(t *testing.T) {
	req := require.New(t)
	presence := NewPresenceTracker()
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if presence.Connect("bob") {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	req.Equal(1, transitions)
	req.Equal([]string{"bob"}, presence.Snapshot())
}
