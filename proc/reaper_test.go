package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperTearsDownStaleSession(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	_, err := e.Sessions().Acquire(testGuild, userA)
	require.NoError(t, err)
	e.Queues().Enqueue(testGuild, entry("left behind", userA))

	r := NewReaper(e, time.Minute, 30*time.Minute)
	assert.Zero(t, r.Sweep(context.Background(), time.Now()), "fresh sessions survive")

	assert.Equal(t, 1, r.Sweep(context.Background(), time.Now().Add(time.Hour)))
	snap := e.Snapshot(testGuild)
	assert.False(t, snap.HasSession)
	assert.Empty(t, snap.Queue)
}

func TestReaperKeepsPlayingGuild(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("long mix", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "long mix")

	r := NewReaper(e, 0, 0)
	assert.Zero(t, r.Sweep(context.Background(), time.Now().Add(24*time.Hour)))
	assert.Equal(t, StatePlaying, e.Snapshot(testGuild).State)
}

func TestReaperReapsAutoPausedGuild(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})
	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("nobody listening", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "nobody listening")
	e.SetAutoPaused(testGuild, true, "channel empty")

	r := NewReaper(e, 0, 0)
	assert.Equal(t, 1, r.Sweep(context.Background(), time.Now().Add(time.Hour)))
	waitForState(t, e, StateIdle)
	assert.False(t, e.Snapshot(testGuild).HasSession)
	assert.True(t, voice.last().isClosed())
}

func TestReaperTearsDownOrphanedQueue(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	e.Queues().Enqueue(testGuild, entry("orphan", userA))

	r := NewReaper(e, 0, 0)
	assert.Equal(t, 1, r.Sweep(context.Background(), time.Now()))
	assert.Empty(t, e.Snapshot(testGuild).Queue)
}

func TestReaperForgetsEmptyGuilds(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()
	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("short", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "short")
	require.NoError(t, e.Stop(ctx, testGuild, userA))
	require.Len(t, e.Guilds(), 1)

	r := NewReaper(e, 0, 0)
	assert.Zero(t, r.Sweep(ctx, time.Now()))
	assert.Empty(t, e.Guilds())
}

func TestReaperRunStopsWithContext(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	e.Queues().Enqueue(testGuild, entry("orphan", userA))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(e, 10*time.Millisecond, time.Hour).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(e.Snapshot(testGuild).Queue) == 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
