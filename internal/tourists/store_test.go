package tourists

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristsafety/trackengine/internal/domain"
)

func TestWithLock_CreatesAndUpdatesState(t *testing.T) {
	s := New()

	st := s.WithLock("t1", func(cur domain.TouristState) domain.TouristState {
		cur.DisplayName = "Alex"
		cur.LatestFix = domain.Fix{TouristID: "t1", Sequence: 1}
		cur.HasFix = true
		return cur
	})
	assert.Equal(t, "Alex", st.DisplayName)
	assert.True(t, st.HasFix)

	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.LatestFix.Sequence)
}

func TestGet_UnknownTouristReturnsFalse(t *testing.T) {
	s := New()
	_, ok := s.Get("nobody")
	assert.False(t, ok)
}

func TestGet_ReturnsDefensiveMembershipCopy(t *testing.T) {
	s := New()
	s.WithLock("t1", func(cur domain.TouristState) domain.TouristState {
		cur.Membership["zone-a"] = struct{}{}
		return cur
	})

	got, ok := s.Get("t1")
	require.True(t, ok)
	got.Membership["zone-b"] = struct{}{}

	after, _ := s.Get("t1")
	_, leaked := after.Membership["zone-b"]
	assert.False(t, leaked, "mutating the returned snapshot must not affect stored state")
}

func TestWithLock_SerializesConcurrentUpdatesForSameTourist(t *testing.T) {
	s := New()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(seq uint64) {
			defer wg.Done()
			s.WithLock("same-tourist", func(cur domain.TouristState) domain.TouristState {
				if seq > cur.LatestFix.Sequence {
					cur.LatestFix.Sequence = seq
				}
				return cur
			})
		}(uint64(i + 1))
	}
	wg.Wait()

	got, ok := s.Get("same-tourist")
	require.True(t, ok)
	assert.Equal(t, uint64(n), got.LatestFix.Sequence)
}

func TestAll_ReturnsEveryTrackedTourist(t *testing.T) {
	s := New()
	for _, id := range []string{"a", "b", "c"} {
		s.WithLock(id, func(cur domain.TouristState) domain.TouristState { return cur })
	}
	all := s.All()
	assert.Len(t, all, 3)
	assert.Equal(t, 3, s.Len())
}
