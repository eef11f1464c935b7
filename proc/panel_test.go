package proc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPanelTruncatesQueue(t *testing.T) {
	snap := Snapshot{State: StatePlaying, OwnerID: userA}
	for i := range 8 {
		snap.Queue = append(snap.Queue, entry(fmt.Sprintf("track %d", i), userA))
	}

	v := RenderPanel(snap, 5)
	require.Len(t, v.Upcoming, 5)
	assert.Equal(t, "track 0", v.Upcoming[0].Title)
	assert.Equal(t, 3, v.More)
	assert.Equal(t, userA, v.OwnerID)

	v = RenderPanel(Snapshot{Queue: snap.Queue[:2]}, 5)
	assert.Len(t, v.Upcoming, 2)
	assert.Zero(t, v.More)
}

func newTestPanels(t *testing.T, m PanelMessenger, kv KV) (*Panels, *Engine) {
	t.Helper()
	e := newTestEngine(t, newFakeResolver(), &fakeVoice{}, kv, EngineConfig{})
	return NewPanels(context.Background(), e, m, NewPersistence(kv), 5), e
}

func TestPanelSyncWithoutRecordDoesNothing(t *testing.T) {
	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, newMemKV())

	p.Sync(context.Background(), testGuild)
	assert.Zero(t, m.editCount())
	assert.Empty(t, m.created)
}

func TestPanelPostedInHomeChannelOnFirstActivity(t *testing.T) {
	kv := newMemKV()
	m := newFakeMessenger()
	p, e := newTestPanels(t, m, kv)
	p.PostIn(func(guildID snowflake.ID) snowflake.ID {
		if guildID == testGuild {
			return channelB
		}
		return 0
	})
	ctx := context.Background()

	p.Sync(ctx, testGuild)
	assert.Empty(t, m.created, "an idle guild gets no panel")

	_, err := e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	p.Sync(ctx, testGuild)
	require.Len(t, m.created, 1)
	assert.Equal(t, channelB, m.channels[0])
	rec, ok := p.Record(ctx, testGuild)
	require.True(t, ok)
	assert.Equal(t, channelB, rec.ChannelID)
	assert.True(t, kv.has(panelKeyPrefix+testGuild.String()))

	p.Sync(ctx, testGuild)
	assert.Len(t, m.created, 1)
	assert.Equal(t, 1, m.editCount())
}

func TestPanelPlaceThenSyncEdits(t *testing.T) {
	kv := newMemKV()
	m := newFakeMessenger()
	p, e := newTestPanels(t, m, kv)
	ctx := context.Background()

	rec, err := p.Place(ctx, testGuild, channelA)
	require.NoError(t, err)
	assert.Equal(t, channelA, rec.ChannelID)
	assert.True(t, kv.has(panelKeyPrefix+testGuild.String()))

	_, err = e.Enqueue(ctx, requestFrom(userA, channelA), entry("one", userA))
	require.NoError(t, err)
	waitForTitle(t, e, "one")

	p.Sync(ctx, testGuild)
	require.Equal(t, 1, m.editCount())
	assert.Equal(t, StatePlaying, m.edits[0].State)
	require.NotNil(t, m.edits[0].Now)
	assert.Equal(t, "one", m.edits[0].Now.Entry.Title)
	assert.Len(t, m.created, 1)
}

func TestPanelRecreatedWhenStale(t *testing.T) {
	kv := newMemKV()
	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, kv)
	ctx := context.Background()

	first, err := p.Place(ctx, testGuild, channelA)
	require.NoError(t, err)

	m.editErr = fmt.Errorf("edit: %w", ErrMessageNotFound)
	p.Sync(ctx, testGuild)

	rec, ok := p.Record(ctx, testGuild)
	require.True(t, ok)
	assert.NotEqual(t, first.MessageID, rec.MessageID)
	assert.Equal(t, channelA, rec.ChannelID)
	assert.Len(t, m.created, 2)

	stored, ok, err := NewPersistence(kv).LoadPanel(ctx, testGuild)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.MessageID, stored.MessageID)
}

func TestPanelEditFailureIsSwallowed(t *testing.T) {
	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, newMemKV())
	ctx := context.Background()

	first, err := p.Place(ctx, testGuild, channelA)
	require.NoError(t, err)

	m.editErr = errors.New("500 internal server error")
	p.Sync(ctx, testGuild)

	rec, _ := p.Record(ctx, testGuild)
	assert.Equal(t, first.MessageID, rec.MessageID)
	assert.Len(t, m.created, 1)
}

func TestPanelRecreateFailureKeepsRecord(t *testing.T) {
	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, newMemKV())
	ctx := context.Background()

	first, err := p.Place(ctx, testGuild, channelA)
	require.NoError(t, err)

	m.editErr = ErrMessageNotFound
	m.createOK = false
	p.Sync(ctx, testGuild)

	rec, _ := p.Record(ctx, testGuild)
	assert.Equal(t, first.MessageID, rec.MessageID)
}

func TestPanelRecordLoadedFromStore(t *testing.T) {
	kv := newMemKV()
	ctx := context.Background()
	require.NoError(t, NewPersistence(kv).SavePanel(ctx, testGuild, PanelRecord{ChannelID: channelB, MessageID: 555}))

	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, kv)
	p.Sync(ctx, testGuild)
	assert.Equal(t, 1, m.editCount())
}

func TestPanelNotifyCoalesces(t *testing.T) {
	m := newFakeMessenger()
	p, _ := newTestPanels(t, m, newMemKV())
	ctx := context.Background()
	_, err := p.Place(ctx, testGuild, channelA)
	require.NoError(t, err)

	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()

	for range 50 {
		p.Notify(testGuild)
	}
	close(gate)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.running[testGuild]
	}, 2*time.Second, 5*time.Millisecond)

	// One edit for the first notification, one for everything queued behind it.
	assert.Equal(t, 2, m.editCount())
}
