package state

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeyes/livecount/internal/aggregate"
)

func recv(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case st, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return st
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}
	return State{}
}

func assertQuiet(t *testing.T, ch <-chan State) {
	t.Helper()
	select {
	case st := <-ch:
		t.Fatalf("unexpected publish: %+v", st)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNewStoreStartsLoadingAndEmpty(t *testing.T) {
	s := NewStore()
	st := s.Snapshot()
	assert.True(t, st.Loading)
	assert.Empty(t, st.Products)
	assert.Equal(t, 0, st.TotalCount)
	assert.Nil(t, st.NotificationToken)
}

func TestReplaceApplyClear(t *testing.T) {
	s := NewStore()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	snap, err := aggregate.FromCounts(map[string]int{"coffee": 5, "tea": 2})
	require.NoError(t, err)
	s.Replace(snap)

	st := recv(t, ch)
	assert.Equal(t, map[string]int{"coffee": 5, "tea": 2}, st.Products)
	assert.Equal(t, 7, st.TotalCount)
	assert.False(t, st.Loading)

	s.Apply(aggregate.Event{ProductCode: "coffee"})
	st = recv(t, ch)
	assert.Equal(t, 6, st.Products["coffee"])
	assert.Equal(t, 8, st.TotalCount)

	s.Apply(aggregate.NewEvent("tea", 3))
	st = recv(t, ch)
	assert.Equal(t, 5, st.Products["tea"])
	assert.Equal(t, 11, st.TotalCount)

	s.Clear()
	st = recv(t, ch)
	assert.Empty(t, st.Products)
	assert.Equal(t, 0, st.TotalCount)
	assert.True(t, st.Loading)
}

func TestNoPublishWithoutChange(t *testing.T) {
	s := NewStore()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.SetLoading(true) // already loading
	s.Clear()          // already empty and loading
	s.SetNotificationToken("")
	assertQuiet(t, ch)

	s.SetNotificationToken("ExponentPushToken[abc]")
	st := recv(t, ch)
	require.NotNil(t, st.NotificationToken)
	assert.Equal(t, "ExponentPushToken[abc]", *st.NotificationToken)

	s.SetNotificationToken("ExponentPushToken[abc]")
	assertQuiet(t, ch)
}

func TestPublishedStateIsACopy(t *testing.T) {
	s := NewStore()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Apply(aggregate.Event{ProductCode: "pizza"})
	st := recv(t, ch)
	st.Products["pizza"] = 1000

	assert.Equal(t, 1, s.Snapshot().Products["pizza"])
}

func TestSlowSubscriberSeesLatest(t *testing.T) {
	s := NewStore()
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		s.Apply(aggregate.Event{ProductCode: "tea"})
	}
	st := recv(t, ch)
	assert.Equal(t, 10, st.TotalCount)
	assertQuiet(t, ch)
}

func TestManySubscribers(t *testing.T) {
	s := NewStore()
	const n = 25
	chans := make([]<-chan State, n)
	unsubs := make([]func(), n)
	for i := range chans {
		chans[i], unsubs[i] = s.Subscribe()
	}
	assert.Equal(t, n, s.SubscriberCount())

	s.Apply(aggregate.NewEvent("salad", 4))
	for _, ch := range chans {
		assert.Equal(t, 4, recv(t, ch).TotalCount)
	}

	for _, u := range unsubs {
		u()
		u()
	}
	assert.Equal(t, 0, s.SubscriberCount())
	_, ok := <-chans[0]
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestConcurrentApplyKeepsInvariant(t *testing.T) {
	s := NewStore()
	codes := []string{"coffee", "tea", "pasta", "pizza"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Apply(aggregate.NewEvent(codes[(w+i)%len(codes)], 1+i%3))
			}
		}(w)
	}
	wg.Wait()

	a := s.Aggregate()
	assert.True(t, a.Valid())
	assert.Equal(t, a.Sum(), s.Snapshot().TotalCount)
}

func TestApplyRefusesOverflow(t *testing.T) {
	s := NewStore()
	snap, err := aggregate.FromCounts(map[string]int{"coffee": math.MaxInt})
	require.NoError(t, err)
	s.Replace(snap)

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	err = s.Apply(aggregate.Event{ProductCode: "coffee"})
	assert.True(t, errors.Is(err, aggregate.ErrProtocol))
	assertQuiet(t, ch)

	st := s.Snapshot()
	assert.Equal(t, math.MaxInt, st.Products["coffee"])
	assert.Equal(t, math.MaxInt, st.TotalCount)
}
