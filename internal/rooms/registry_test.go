package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_JoinReturnsOthers(t *testing.T) {
	r := New()

	others, already, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Empty(t, others)

	others, already, err = r.Join("math-101", "c2", "bob")
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, []Member{{ConnectionID: "c1", Identity: "alice"}}, others)
}

func TestRegistry_JoinIsIdempotentPerConnection(t *testing.T) {
	r := New()

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)
	_, _, err = r.Join("math-101", "c2", "bob")
	require.NoError(t, err)

	others, already, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, []Member{{ConnectionID: "c2", Identity: "bob"}}, others)

	// Membership count must not grow and the stored identity must not change.
	assert.Equal(t, []Member{
		{ConnectionID: "c1", Identity: "alice"},
		{ConnectionID: "c2", Identity: "bob"},
	}, r.MembersOf("math-101"))
}

func TestRegistry_JoinWhileInAnotherRoom(t *testing.T) {
	r := New()

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)

	_, _, err = r.Join("bio-202", "c1", "alice")
	assert.ErrorIs(t, err, ErrInAnotherRoom)

	room, ok := r.RoomOf("c1")
	require.True(t, ok)
	assert.Equal(t, "math-101", room)
}

func TestRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	r := New()

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)

	identity, remaining, ok := r.Leave("math-101", "c1")
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.Empty(t, remaining)

	// The room ceases to exist, not a retained empty entry.
	assert.Empty(t, r.MembersOf("math-101"))
	roomCount, memberCount := r.Stats()
	assert.Zero(t, roomCount)
	assert.Zero(t, memberCount)
}

func TestRegistry_LeaveAbsentMemberIsNoOp(t *testing.T) {
	r := New()

	_, _, ok := r.Leave("math-101", "c1")
	assert.False(t, ok)

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)
	_, _, ok = r.Leave("math-101", "ghost")
	assert.False(t, ok)
	assert.Len(t, r.MembersOf("math-101"), 1)
}

func TestRegistry_RemoveFromAll(t *testing.T) {
	r := New()

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)
	_, _, err = r.Join("math-101", "c2", "bob")
	require.NoError(t, err)

	evictions := r.RemoveFromAll("c2")
	require.Len(t, evictions, 1)
	assert.Equal(t, "math-101", evictions[0].Room)
	assert.Equal(t, "c2", evictions[0].ConnectionID)
	assert.Equal(t, "bob", evictions[0].Identity)
	assert.Equal(t, []Member{{ConnectionID: "c1", Identity: "alice"}}, evictions[0].Remaining)

	// A second cleanup attempt for the same connection is a no-op.
	assert.Nil(t, r.RemoveFromAll("c2"))
}

func TestRegistry_IdentityOf(t *testing.T) {
	r := New()

	_, ok := r.IdentityOf("c1")
	assert.False(t, ok)

	_, _, err := r.Join("math-101", "c1", "alice")
	require.NoError(t, err)

	identity, ok := r.IdentityOf("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
}

func TestRegistry_ConcurrentJoins(t *testing.T) {
	const n = 64

	r := New()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%03d", i)
			_, _, err := r.Join("math-101", connID, fmt.Sprintf("user%03d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	members := r.MembersOf("math-101")
	require.Len(t, members, n)

	seen := make(map[string]bool, n)
	for _, m := range members {
		assert.False(t, seen[m.ConnectionID], "duplicate member %s", m.ConnectionID)
		seen[m.ConnectionID] = true
	}
}

func TestRegistry_ConcurrentJoinsAndLeaves(t *testing.T) {
	const n = 32

	r := New()
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		connID := fmt.Sprintf("stay%03d", i)
		go func(connID string, i int) {
			defer wg.Done()
			_, _, err := r.Join("math-101", connID, fmt.Sprintf("s%03d", i))
			assert.NoError(t, err)
		}(connID, i)

		churnID := fmt.Sprintf("churn%03d", i)
		go func(connID string, i int) {
			defer wg.Done()
			_, _, err := r.Join("math-101", connID, fmt.Sprintf("t%03d", i))
			assert.NoError(t, err)
			assert.Len(t, r.RemoveFromAll(connID), 1)
		}(churnID, i)
	}
	wg.Wait()

	members := r.MembersOf("math-101")
	assert.Len(t, members, n)
	for _, m := range members {
		assert.Contains(t, m.ConnectionID, "stay")
	}
}
