package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsByTransportAndKind(t *testing.T) {
	c := NewCollector()
	defer func() { <-c.Stop() }()

	require.NoError(t, c.Record(Event{Transport: "udp", Kind: Announce}))
	require.NoError(t, c.Record(Event{Transport: "udp", Kind: Announce}))
	require.NoError(t, c.Record(Event{Transport: "udp", Kind: Scrape}))
	require.NoError(t, c.Record(Event{Transport: "http", Kind: Announce}))

	require.Eventually(t, func() bool {
		counts := c.Counts()
		return counts["udp"][Announce] == 2 &&
			counts["udp"][Scrape] == 1 &&
			counts["http"][Announce] == 1
	}, time.Second, time.Millisecond)
}

func TestCollectorRecordNeverBlocks(t *testing.T) {
	c := NewCollector()
	defer func() { <-c.Stop() }()

	const floodSize = 100000

	done := make(chan struct{})
	go func() {
		for i := 0; i < floodSize; i++ {
			c.Record(Event{Transport: "udp", Kind: Announce})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked under a flood of events")
	}

	require.Eventually(t, func() bool {
		return c.Counts()["udp"][Announce] == floodSize
	}, time.Second, time.Millisecond, "an unbounded queue must eventually account for every event, never drop one")
}

func TestCollectorStopDrainsQueuedEvents(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Record(Event{Transport: "udp", Kind: Scrape}))
	}

	select {
	case <-c.Stop():
	case <-time.After(time.Second):
		t.Fatal("Stop did not complete")
	}

	assert.Equal(t, uint64(10), c.Counts()["udp"][Scrape])
}

func TestCollectorRecordAfterStopReturnsErrStopped(t *testing.T) {
	c := NewCollector()
	<-c.Stop()

	assert.Equal(t, ErrStopped, c.Record(Event{Transport: "udp", Kind: Announce}))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "announce", Announce.String())
	assert.Equal(t, "scrape", Scrape.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
