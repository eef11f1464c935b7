package proc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuild   snowflake.ID = 100
	userA       snowflake.ID = 1
	userB       snowflake.ID = 2
	channelA    snowflake.ID = 10
	channelB    snowflake.ID = 20
	parkChannel snowflake.ID = 99
)

func newTestEngine(t *testing.T, resolver TrackResolver, voice VoiceConnector, kv KV, cfg EngineConfig) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var persist *Persistence
	if kv != nil {
		persist = NewPersistence(kv)
	}
	return NewEngine(ctx, resolver, voice, persist, cfg)
}

func requestFrom(user, channel snowflake.ID) Request {
	return Request{GuildID: testGuild, UserID: user, ChannelID: channel}
}

func entry(query string, user snowflake.ID) QueueEntry {
	return NewQueueEntry(query, user, channelA)
}

func waitForState(t *testing.T, e *Engine, want StateKind) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Snapshot(testGuild).State == want
	}, 2*time.Second, 5*time.Millisecond, "guild never reached %s", want)
	return e.Snapshot(testGuild)
}

func waitForTitle(t *testing.T, e *Engine, title string) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s := e.Snapshot(testGuild)
		return s.State == StatePlaying && s.Now != nil && s.Now.Entry.Title == title
	}, 2*time.Second, 5*time.Millisecond, "%q never started playing", title)
	return e.Snapshot(testGuild)
}

func TestEnqueueStartsPlayback(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})

	res, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("lofi radio", userA))
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, 1, res.Length)

	snap := waitForTitle(t, e, "lofi radio")
	assert.Equal(t, userA, snap.OwnerID)
	assert.Equal(t, channelA, snap.ChannelID)
	assert.Equal(t, "https://example.com/lofi-radio", snap.Now.Entry.ResolvedURL)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, 1, voice.connectCount())
}

func TestOwnershipScenario(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("lofi radio", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "lofi radio")

	err = e.Skip(ctx, testGuild, userB)
	require.ErrorIs(t, err, ErrOwnershipConflict)
	var oe *OwnershipError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, userA, oe.OwnerID)
	assert.Equal(t, StatePlaying, e.Snapshot(testGuild).State)

	require.ErrorIs(t, e.Stop(ctx, testGuild, userB), ErrOwnershipConflict)

	require.NoError(t, e.Stop(ctx, testGuild, userA))
	snap := e.Snapshot(testGuild)
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasSession)
	assert.Empty(t, snap.Queue)
	assert.False(t, snap.Connected)
	assert.True(t, voice.last().isClosed())
}

func TestAdvanceSkipsUnresolvableEntries(t *testing.T) {
	resolver := newFakeResolver("first", "second")
	e := newTestEngine(t, resolver, &fakeVoice{}, nil, EngineConfig{})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA),
		entry("first", userA), entry("second", userA), entry("third", userA))
	require.NoError(t, err)

	snap := waitForTitle(t, e, "third")
	assert.Empty(t, snap.Queue)
	assert.True(t, snap.HasSession)
	assert.Equal(t, []string{"first", "second", "third"}, resolver.resolved())
}

func TestAllEntriesFailingReleasesSession(t *testing.T) {
	e := newTestEngine(t, newFakeResolver("a", "b", "c"), &fakeVoice{}, nil, EngineConfig{})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA),
		entry("a", userA), entry("b", userA), entry("c", userA))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := e.Snapshot(testGuild)
		return s.State == StateIdle && !s.HasSession
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.Queues().PeekAll(testGuild))
}

func TestConnectFailureReportsAndCleansUp(t *testing.T) {
	voice := &fakeVoice{fail: errors.New("voice gateway timeout")}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})

	res, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("song", userA))
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.True(t, res.Started)

	snap := e.Snapshot(testGuild)
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasSession)
	assert.Empty(t, snap.Queue)
}

func TestEnqueueWhilePlayingAppendsToTail(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	res, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("two", userA))
	require.NoError(t, err)
	assert.False(t, res.Started)
	res, err = e.Enqueue(ctx, requestFrom(userA, channelA), entry("three", userA))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Length)

	queue := e.Queues().PeekAll(testGuild)
	require.Len(t, queue, 2)
	assert.Equal(t, "three", queue[len(queue)-1].Title)
}

func TestListenerInActiveChannelMayEnqueue(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	_, err = e.Enqueue(ctx, requestFrom(userB, channelB), entry("elsewhere", userB))
	require.ErrorIs(t, err, ErrOwnershipConflict)

	_, err = e.Enqueue(ctx, requestFrom(userB, channelA), entry("together", userB))
	require.NoError(t, err)
	assert.Equal(t, userA, e.Snapshot(testGuild).OwnerID)
	require.ErrorIs(t, e.Skip(ctx, testGuild, userB), ErrOwnershipConflict)
}

func TestEnqueueRequiresVoiceChannel(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	_, err := e.Enqueue(context.Background(), requestFrom(userA, 0), entry("one", userA))
	require.ErrorIs(t, err, ErrNotInVoice)
	assert.False(t, e.Snapshot(testGuild).HasSession)
}

func TestTrackEndAdvancesQueue(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("one", userA), entry("two", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	voice.last().ends <- nil
	waitForTitle(t, e, "two")

	voice.last().ends <- nil
	require.Eventually(t, func() bool {
		s := e.Snapshot(testGuild)
		return s.State == StateIdle && !s.HasSession
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, voice.connectCount())
}

func TestPlaybackFaultAdvancesQueue(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("broken", userA), entry("fine", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "broken")

	voice.last().ends <- errors.New("invalid data found when processing input")
	waitForTitle(t, e, "fine")
}

func TestSkipStopsOnlyCurrentTrack(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA), entry("two", userA), entry("three", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	require.NoError(t, e.Skip(ctx, testGuild, userA))
	snap := waitForTitle(t, e, "two")
	require.Len(t, snap.Queue, 1)
	assert.Equal(t, "three", snap.Queue[0].Title)
	assert.Equal(t, userA, snap.OwnerID)
}

func TestSkipWithoutSession(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	require.ErrorIs(t, e.Skip(context.Background(), testGuild, userA), ErrNoSession)
}

func TestStopParksConnection(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{ParkingChannelID: parkChannel})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	require.NoError(t, e.Stop(ctx, testGuild, userA))
	conn := voice.last()
	assert.False(t, conn.isClosed())
	assert.Equal(t, parkChannel, conn.ChannelID())

	// The parked connection is reused by the next session.
	_, err = e.Enqueue(ctx, requestFrom(userB, channelB), entry("two", userB))
	require.NoError(t, err)
	snap := waitForTitle(t, e, "two")
	assert.Equal(t, userB, snap.OwnerID)
	assert.Equal(t, 1, voice.connectCount())
	assert.Equal(t, channelB, conn.ChannelID())
}

func TestPauseAndResume(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	require.ErrorIs(t, e.Pause(testGuild, userB), ErrOwnershipConflict)
	require.NoError(t, e.Pause(testGuild, userA))
	assert.True(t, voice.last().isPaused())
	assert.True(t, e.Snapshot(testGuild).Paused)

	require.NoError(t, e.Resume(ctx, requestFrom(userA, channelA)))
	assert.False(t, voice.last().isPaused())
}

func TestAutoPauseKeepsUserPause(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	require.NoError(t, e.Pause(testGuild, userA))
	e.SetAutoPaused(testGuild, true, "channel empty")
	e.SetAutoPaused(testGuild, false, "listener joined")
	assert.True(t, voice.last().isPaused())
}

func TestConcurrentEnqueueOpensOneConnection(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("song", userA))
		}()
	}
	wg.Wait()

	waitForState(t, e, StatePlaying)
	assert.Equal(t, 1, voice.connectCount())
	assert.Len(t, e.Queues().PeekAll(testGuild), 19)
}

func TestConcurrentUsersOnlyOneOwns(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		user := snowflake.ID(1000 + i)
		channel := snowflake.ID(2000 + i)
		go func() {
			defer wg.Done()
			_, err := e.Enqueue(context.Background(), requestFrom(user, channel), entry("song", user))
			if errors.Is(err, ErrOwnershipConflict) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 9, conflicts)
	assert.Len(t, e.Sessions().All(), 1)
}

func TestIdleDisconnectAfterQueueRunsOut(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{IdleDisconnect: 20 * time.Millisecond})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	voice.last().ends <- nil
	require.Eventually(t, func() bool {
		return voice.last().isClosed()
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, e.Snapshot(testGuild).Connected)
}

func TestForceReleaseReportsOwner(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.ForceRelease(ctx, testGuild)
	require.ErrorIs(t, err, ErrNoSession)

	_, err = e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	owner, err := e.ForceRelease(ctx, testGuild)
	require.NoError(t, err)
	assert.Equal(t, userA, owner)
	assert.False(t, e.Snapshot(testGuild).HasSession)
}

func TestSleepTimerStopsPlayback(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA), entry("two", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	require.ErrorIs(t, e.SleepAt(testGuild, userB, time.Now().Add(time.Hour)), ErrOwnershipConflict)
	require.NoError(t, e.SleepAt(testGuild, userA, time.Now().Add(20*time.Millisecond)))

	require.Eventually(t, func() bool {
		s := e.Snapshot(testGuild)
		return s.State == StateIdle && !s.HasSession && len(s.Queue) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueSnapshotPersistedAndRehydrated(t *testing.T) {
	kv := newMemKV()
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver(), voice, kv, EngineConfig{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA), entry("two", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")
	require.True(t, kv.has(queueKeyPrefix+testGuild.String()))
	e.Shutdown(ctx)

	restarted := newTestEngine(t, newFakeResolver(), &fakeVoice{}, kv, EngineConfig{})
	n, err := restarted.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap := restarted.Snapshot(testGuild)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, userA, snap.OwnerID)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, "one", snap.Queue[0].Title)

	require.NoError(t, restarted.Resume(ctx, requestFrom(userA, channelA)))
	waitForTitle(t, restarted, "one")

	require.NoError(t, restarted.Stop(ctx, testGuild, userA))
	assert.False(t, kv.has(queueKeyPrefix+testGuild.String()))
}

func TestChangeHooksFire(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})

	var (
		mu      sync.Mutex
		changes int
		started []string
	)
	e.OnChange(func(snowflake.ID) {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	e.OnTrackStart(func(_ snowflake.ID, np NowPlaying) {
		mu.Lock()
		started = append(started, np.Entry.Title)
		mu.Unlock()
	})

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, changes)
	assert.Equal(t, []string{"one"}, started)
}

func TestRandomControlKeepsOneConnection(t *testing.T) {
	for seed := range uint64(5) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			voice := newCountingVoice(seed)
			e := newTestEngine(t, newFakeResolver("missing"), voice, nil, EngineConfig{})
			ctx := context.Background()

			var wg sync.WaitGroup
			for worker := range uint64(8) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rng := rand.New(rand.NewPCG(seed, worker))
					for i := range 300 {
						switch rng.IntN(4) {
						case 0, 1:
							channel := channelA
							if rng.IntN(2) == 0 {
								channel = channelB
							}
							query := fmt.Sprintf("song %d-%d", worker, i)
							if rng.IntN(5) == 0 {
								query = "missing"
							}
							_, _ = e.Enqueue(ctx, requestFrom(userA, channel), entry(query, userA))
						case 2:
							_ = e.Skip(ctx, testGuild, userA)
						case 3:
							_ = e.Stop(ctx, testGuild, userA)
						}
					}
				}()
			}
			wg.Wait()
			require.NoError(t, e.Teardown(ctx, testGuild, ReasonStopped))

			require.Eventually(t, func() bool {
				open, _, _ := voice.stats()
				return open == 0
			}, 2*time.Second, 5*time.Millisecond, "connection left open after teardown")

			_, maxOpen, maxPlays := voice.stats()
			assert.LessOrEqual(t, maxOpen, 1, "more than one open connection at once")
			assert.LessOrEqual(t, maxPlays, 1, "more than one track playing at once")
			assert.LessOrEqual(t, len(e.Sessions().All()), 1)
		})
	}
}

func TestStopWhileConnectingThenRestart(t *testing.T) {
	voice := newCountingVoice(42)
	e := newTestEngine(t, newFakeResolver(), voice, nil, EngineConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.Enqueue(ctx, requestFrom(userA, channelA), entry("song", userA))
		}()
		go func() {
			defer wg.Done()
			_ = e.Stop(ctx, testGuild, userA)
		}()
	}
	wg.Wait()

	_, maxOpen, _ := voice.stats()
	assert.LessOrEqual(t, maxOpen, 1)

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("after", userA))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		open, _, _ := voice.stats()
		return open == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExhaustedAfterFailuresIsReported(t *testing.T) {
	e := newTestEngine(t, newFakeResolver("nothing", "still nothing"), &fakeVoice{}, nil, EngineConfig{})

	type report struct {
		last QueueEntry
		err  error
	}
	reports := make(chan report, 4)
	e.OnExhausted(func(guildID snowflake.ID, last QueueEntry, err error) {
		assert.Equal(t, testGuild, guildID)
		reports <- report{last, err}
	})

	res, err := e.Enqueue(context.Background(), requestFrom(userA, channelA),
		entry("nothing", userA), entry("still nothing", userA))
	require.NoError(t, err)
	assert.True(t, res.Started)

	select {
	case r := <-reports:
		assert.Equal(t, "still nothing", r.last.Query)
		assert.ErrorIs(t, r.err, ErrResolutionFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted queue was never reported")
	}
	waitForState(t, e, StateIdle)
	assert.Len(t, reports, 0)
}

func TestExhaustedAfterPlaybackIsNotReported(t *testing.T) {
	voice := &fakeVoice{}
	e := newTestEngine(t, newFakeResolver("broken"), voice, nil, EngineConfig{})
	var calls atomic.Int32
	e.OnExhausted(func(snowflake.ID, QueueEntry, error) { calls.Add(1) })

	_, err := e.Enqueue(context.Background(), requestFrom(userA, channelA), entry("broken", userA), entry("fine", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "fine")

	voice.last().ends <- nil
	waitForState(t, e, StateIdle)
	require.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTransferHandsOverControl(t *testing.T) {
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, nil, EngineConfig{})
	ctx := context.Background()

	_, err := e.Transfer(testGuild, userB)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	prev, err := e.Transfer(testGuild, userB)
	require.NoError(t, err)
	assert.Equal(t, userA, prev)
	assert.Equal(t, userB, e.Snapshot(testGuild).OwnerID)

	assert.ErrorIs(t, e.Skip(ctx, testGuild, userA), ErrOwnershipConflict)
	assert.NoError(t, e.Pause(testGuild, userB))
}
