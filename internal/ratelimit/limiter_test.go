package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristsafety/trackengine/internal/domain"
)

func TestAllow_PermitsUpToBurstThenRejects(t *testing.T) {
	l := New(map[Class]Rule{ClassSOS: {Burst: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("tourist-1", ClassSOS))
	}
	err := l.Allow("tourist-1", ClassSOS)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindRateLimited))
}

func TestAllow_IsolatesBucketsPerPrincipal(t *testing.T) {
	l := New(map[Class]Rule{ClassPosition: {Burst: 1, Window: time.Minute}})

	require.NoError(t, l.Allow("tourist-1", ClassPosition))
	require.Error(t, l.Allow("tourist-1", ClassPosition))
	// a different principal has its own bucket
	require.NoError(t, l.Allow("tourist-2", ClassPosition))
}

func TestAllow_IsolatesBucketsPerClass(t *testing.T) {
	l := New(map[Class]Rule{
		ClassPosition: {Burst: 1, Window: time.Minute},
		ClassSOS:      {Burst: 1, Window: time.Minute},
	})

	require.NoError(t, l.Allow("tourist-1", ClassPosition))
	require.NoError(t, l.Allow("tourist-1", ClassSOS))
}

func TestAllow_UnknownClassFallsBackToADefaultRule(t *testing.T) {
	l := New(map[Class]Rule{})
	require.NoError(t, l.Allow("tourist-1", Class("unconfigured")))
}

func TestDefaultRules_CoverAllFiveClasses(t *testing.T) {
	rules := DefaultRules()
	for _, c := range []Class{ClassGeneral, ClassAuth, ClassPosition, ClassSOS, ClassGeofencingAdmin} {
		_, ok := rules[c]
		assert.True(t, ok, "missing default rule for %s", c)
	}
}
