package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/domain"
)

func TestSummaryOf(t *testing.T) {
	at := time.Unix(10, 0)
	s := SummaryOf(domain.Snapshot{
		SpaceID: "s", Status: domain.StatusLive, Host: "a", Version: 7, At: at,
		Participants: []domain.Participant{
			{UserID: "a", Role: domain.RoleHost},
			{UserID: "b", Role: domain.RoleSpeaker},
			{UserID: "c", Role: domain.RoleListener},
		},
	})
	assert.Equal(t, Summary{
		SpaceID: "s", Status: domain.StatusLive, Host: "a",
		ParticipantCount: 3, SpeakerCount: 2, Version: 7, UpdatedAt: at,
	}, s)
}

func TestNopMisses(t *testing.T) {
	var c SummaryCache = Nop{}
	require.NoError(t, c.Set(context.Background(), Summary{SpaceID: "s"}))
	_, err := c.Get(context.Background(), "s")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

// Runs against a real server only when SPACES_TEST_REDIS is set.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("SPACES_TEST_REDIS")
	if addr == "" {
		t.Skip("SPACES_TEST_REDIS not set")
	}
	ctx := context.Background()
	c, err := NewRedis(ctx, config.RedisConfig{Addr: addr, Prefix: "spaces-test", TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	in := Summary{SpaceID: "s1", Status: domain.StatusLive, ParticipantCount: 4, UpdatedAt: time.Unix(5, 0).UTC()}
	require.NoError(t, c.Set(ctx, in))
	out, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.ParticipantCount, out.ParticipantCount)
	assert.True(t, in.UpdatedAt.Equal(out.UpdatedAt))

	require.NoError(t, c.Delete(ctx, "s1"))
	_, err = c.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
