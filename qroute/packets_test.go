package qroute

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPacketTable(t *testing.T) {
	pt := NewPacketTable(2)
	id := uuid.New()

	assert.Equal(t, 0, pt.TimesSeen(id))
	assert.Equal(t, time.Duration(0), pt.QueueTime(id))

	assert.Equal(t, 1, pt.Arrive(id, testEpoch))
	assert.Equal(t, time.Duration(0), pt.QueueTime(id), "still queued")
	pt.Depart(id, testEpoch.Add(3*time.Millisecond))
	assert.Equal(t, 3*time.Millisecond, pt.QueueTime(id))

	assert.Equal(t, 2, pt.Arrive(id, testEpoch.Add(time.Second)))
	assert.Equal(t, time.Duration(0), pt.QueueTime(id))

	assert.True(t, pt.MarkFeedback(id, addrB))
	assert.False(t, pt.MarkFeedback(id, addrB))
	assert.True(t, pt.MarkFeedback(id, addrC))

	// the oldest packet is evicted
	pt.Arrive(uuid.New(), testEpoch)
	pt.Arrive(uuid.New(), testEpoch)
	assert.Equal(t, 2, pt.Len())
	assert.Equal(t, 0, pt.TimesSeen(id))
}

func TestPacketWindow(t *testing.T) {
	w := newPacketWindow(5 * time.Second)
	now := testEpoch
	for i := range 4 {
		w.Add(addrB, addrD, now.Add(time.Duration(i)*time.Second))
	}
	w.Add(addrC, addrD, now)

	assert.Equal(t, 4, w.Count(addrB, addrD, now.Add(3*time.Second)))
	assert.Equal(t, 2, w.Count(addrB, addrD, now.Add(6*time.Second)))
	assert.Equal(t, 2, w.Count(addrB, addrD, now.Add(time.Second)), "events after the window end are not counted")
	assert.Equal(t, 1, w.Count(addrC, addrD, now))
	assert.Equal(t, 0, w.Count(addrB, addrC, now))

	w.Add(addrB, addrD, now.Add(time.Minute))
	assert.Len(t, w.events[linkKey{addrB, addrD}], 1)
}
