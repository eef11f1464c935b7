package proc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/sys"
)

// Teardown reasons.
const (
	ReasonStopped      = "stopped"
	ReasonDisconnected = "disconnected"
	ReasonInactive     = "inactive"
	ReasonReleased     = "released by admin"
	ReasonSleep        = "sleep timer"
)

// VoiceConnector opens voice connections.
type VoiceConnector interface {
	Connect(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error)
}

// VoiceConn is one open voice connection.
type VoiceConn interface {
	ChannelID() snowflake.ID
	// Play streams src and blocks until it drains (nil), fails, or ctx is cancelled.
	Play(ctx context.Context, src io.Reader) error
	SetPaused(paused bool)
	Move(ctx context.Context, channelID snowflake.ID) error
	Close(ctx context.Context)
}

// TrackResolver is satisfied by *Resolver.
type TrackResolver interface {
	Resolve(ctx context.Context, query string) (*Stream, error)
}

type EngineConfig struct {
	// ParkingChannelID, when set, receives the connection after a stop instead of disconnecting.
	ParkingChannelID snowflake.ID
	// IdleDisconnect is how long the bot lingers in voice after the queue runs out.
	IdleDisconnect time.Duration
}

// Request identifies who is asking and where they are listening.
type Request struct {
	GuildID   snowflake.ID
	UserID    snowflake.ID
	ChannelID snowflake.ID
}

type EnqueueResult struct {
	Length  int
	Started bool
}

// Snapshot is a consistent read of one guild's player.
type Snapshot struct {
	GuildID    snowflake.ID
	State      StateKind
	ChannelID  snowflake.ID
	OwnerID    snowflake.ID
	HasSession bool
	Now        *NowPlaying
	Pending    *QueueEntry
	Queue      []QueueEntry
	Paused     bool
	UserPaused bool
	AutoPaused bool
	Connected  bool
	LastActive time.Time
}

type player struct {
	// connMu serializes every open, move and close of the guild's connection.
	connMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          VoiceConn
	playCancel    context.CancelFunc
	playDone      chan struct{}
	resolveCancel context.CancelFunc
	connectCancel context.CancelFunc
	pending       *QueueEntry
	lastFailure   *failedEntry
	userPaused    bool
	autoPaused    bool
	idleTimer     *time.Timer
	sleepTimer    *time.Timer
	changedAt     time.Time
	retired       bool
}

type failedEntry struct {
	entry QueueEntry
	err   error
}

func (p *player) haltLocked() {
	if p.connectCancel != nil {
		p.connectCancel()
		p.connectCancel = nil
	}
	if p.playCancel != nil {
		p.playCancel()
		p.playCancel = nil
	}
	if p.resolveCancel != nil {
		p.resolveCancel()
		p.resolveCancel = nil
	}
	p.pending = nil
}

func (p *player) stopTimersLocked() {
	for _, t := range []**time.Timer{&p.idleTimer, &p.sleepTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// Engine drives one player per guild through Idle, Connecting and Playing.
// Each guild's transitions are serialized by that guild's lock, so checking
// for an idle player and starting it happen as one step.
type Engine struct {
	ctx      context.Context
	sessions *Sessions
	queues   *Queues
	resolver TrackResolver
	voice    VoiceConnector
	persist  *Persistence
	cfg      EngineConfig
	now      func() time.Time

	mu      sync.Mutex
	players map[snowflake.ID]*player

	hookMu       sync.RWMutex
	onChange     []func(guildID snowflake.ID)
	onTrackStart []func(guildID snowflake.ID, np NowPlaying)
	onExhausted  []func(guildID snowflake.ID, last QueueEntry, err error)
}

// NewEngine creates an engine whose background work stops when ctx is cancelled.
func NewEngine(ctx context.Context, resolver TrackResolver, voice VoiceConnector, persist *Persistence, cfg EngineConfig) *Engine {
	return &Engine{
		ctx:      ctx,
		sessions: NewSessions(),
		queues:   NewQueues(),
		resolver: resolver,
		voice:    voice,
		persist:  persist,
		cfg:      cfg,
		now:      time.Now,
		players:  make(map[snowflake.ID]*player),
	}
}

func (e *Engine) Sessions() *Sessions { return e.sessions }
func (e *Engine) Queues() *Queues     { return e.queues }

// OnChange registers fn to run after any state, queue or session change.
func (e *Engine) OnChange(fn func(guildID snowflake.ID)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// OnTrackStart registers fn to run whenever a track starts playing.
func (e *Engine) OnTrackStart(fn func(guildID snowflake.ID, np NowPlaying)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onTrackStart = append(e.onTrackStart, fn)
}

// OnExhausted registers fn to run when the queue runs dry right after an
// entry failed, with the last entry that failed and why.
func (e *Engine) OnExhausted(fn func(guildID snowflake.ID, last QueueEntry, err error)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onExhausted = append(e.onExhausted, fn)
}

// --- Operations ---

// Enqueue appends entries to the guild's queue and starts playback when the
// player is idle. The first request in a guild creates the session; later
// requests must come from the owner or a listener in the active channel.
func (e *Engine) Enqueue(ctx context.Context, req Request, entries ...QueueEntry) (EnqueueResult, error) {
	if len(entries) == 0 {
		return EnqueueResult{}, ErrEmptyQuery
	}
	if req.ChannelID == 0 {
		return EnqueueResult{}, ErrNotInVoice
	}

	p := e.lockPlayer(req.GuildID)
	if err := e.admitLocked(p, req); err != nil {
		p.mu.Unlock()
		return EnqueueResult{}, err
	}

	var res EnqueueResult
	for _, entry := range entries {
		if entry.RequesterID == 0 {
			entry.RequesterID = req.UserID
		}
		if entry.RequesterChannelID == 0 {
			entry.RequesterChannelID = req.ChannelID
		}
		res.Length = e.queues.Enqueue(req.GuildID, entry)
	}

	var effects []Effect
	if p.state.Kind() == StateIdle {
		effects = e.applyLocked(req.GuildID, p, StartRequested{ChannelID: req.ChannelID})
		res.Started = true
	}
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicEnqueued, entries[0].Title, req.GuildID, req.UserID, res.Length)
	if !res.Started {
		e.changed(req.GuildID)
		return res, nil
	}
	return res, e.run(ctx, req.GuildID, p, effects)
}

// Skip stops the current track and advances to the next entry.
func (e *Engine) Skip(ctx context.Context, guildID, userID snowflake.ID) error {
	p := e.lockPlayer(guildID)
	if err := e.ownerLocked(guildID, userID); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.state.Kind() != StatePlaying {
		p.mu.Unlock()
		return ErrNothingPlaying
	}
	effects := e.applyLocked(guildID, p, SkipRequested{})
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicSkipped, userID, guildID)
	return e.run(ctx, guildID, p, effects)
}

// Stop halts playback, clears the queue, leaves or parks the connection and
// releases the session.
func (e *Engine) Stop(ctx context.Context, guildID, userID snowflake.ID) error {
	p := e.lockPlayer(guildID)
	if err := e.ownerLocked(guildID, userID); err != nil {
		p.mu.Unlock()
		return err
	}
	effects := e.applyLocked(guildID, p, StopRequested{Reason: ReasonStopped})
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicStopped, userID, guildID)
	return e.run(ctx, guildID, p, effects)
}

// Pause silences the current track without releasing anything.
func (e *Engine) Pause(guildID, userID snowflake.ID) error {
	p := e.lockPlayer(guildID)
	if err := e.ownerLocked(guildID, userID); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.state.Kind() != StatePlaying || p.conn == nil {
		p.mu.Unlock()
		return ErrNothingPlaying
	}
	p.userPaused = true
	p.conn.SetPaused(true)
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicPaused, guildID, "requested by "+userID.String())
	e.changed(guildID)
	return nil
}

// Resume unpauses the current track. An idle player holding a restored queue
// is started in the requester's channel instead.
func (e *Engine) Resume(ctx context.Context, req Request) error {
	p := e.lockPlayer(req.GuildID)
	if err := e.ownerLocked(req.GuildID, req.UserID); err != nil {
		p.mu.Unlock()
		return err
	}

	switch {
	case p.state.Kind() == StatePlaying && p.conn != nil:
		p.userPaused = false
		p.conn.SetPaused(p.autoPaused)
		p.mu.Unlock()
		sys.LogMusic(sys.MsgMusicResumed, req.GuildID, "requested by "+req.UserID.String())
		e.changed(req.GuildID)
		return nil

	case p.state.Kind() == StateIdle && e.queues.Len(req.GuildID) > 0:
		if req.ChannelID == 0 {
			p.mu.Unlock()
			return ErrNotInVoice
		}
		effects := e.applyLocked(req.GuildID, p, StartRequested{ChannelID: req.ChannelID})
		p.mu.Unlock()
		return e.run(ctx, req.GuildID, p, effects)
	}

	p.mu.Unlock()
	return ErrNothingPlaying
}

// SetAutoPaused pauses or resumes playback on behalf of the bot, e.g. when the
// last listener leaves. It does not override a pause the owner asked for.
func (e *Engine) SetAutoPaused(guildID snowflake.ID, paused bool, reason string) {
	p, ok := e.lookup(guildID)
	if !ok {
		return
	}
	p.mu.Lock()
	if p.autoPaused == paused {
		p.mu.Unlock()
		return
	}
	p.autoPaused = paused
	p.changedAt = e.now()
	if p.conn != nil {
		p.conn.SetPaused(paused || p.userPaused)
	}
	p.mu.Unlock()

	if paused {
		sys.LogMusic(sys.MsgMusicPaused, guildID, reason)
	} else {
		sys.LogMusic(sys.MsgMusicResumed, guildID, reason)
	}
	e.changed(guildID)
}

// Teardown stops the guild's player without an ownership check.
func (e *Engine) Teardown(ctx context.Context, guildID snowflake.ID, reason string) error {
	p := e.lockPlayer(guildID)
	effects := e.applyLocked(guildID, p, StopRequested{Reason: reason})
	p.mu.Unlock()
	return e.run(ctx, guildID, p, effects)
}

// ForceRelease tears down a session on an administrator's behalf and reports
// who held it.
func (e *Engine) ForceRelease(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	sess, ok := e.sessions.Get(guildID)
	if !ok {
		return 0, ErrNoSession
	}
	return sess.OwnerID, e.Teardown(ctx, guildID, ReasonReleased)
}

// Transfer hands the guild's session to another member and reports the
// previous owner.
func (e *Engine) Transfer(guildID, to snowflake.ID) (snowflake.ID, error) {
	p := e.lockPlayer(guildID)
	sess, ok := e.sessions.Get(guildID)
	if !ok {
		p.mu.Unlock()
		return 0, ErrNoSession
	}
	e.sessions.Transfer(guildID, to)
	p.changedAt = e.now()
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicTransferred, guildID, sess.OwnerID, to)
	e.changed(guildID)
	return sess.OwnerID, nil
}

// SleepAt stops playback at the given time. A zero time cancels the timer.
func (e *Engine) SleepAt(guildID, userID snowflake.ID, at time.Time) error {
	p := e.lockPlayer(guildID)
	defer p.mu.Unlock()
	if err := e.ownerLocked(guildID, userID); err != nil {
		return err
	}
	if p.sleepTimer != nil {
		p.sleepTimer.Stop()
		p.sleepTimer = nil
	}
	if at.IsZero() {
		return nil
	}
	p.sleepTimer = time.AfterFunc(at.Sub(e.now()), func() {
		sys.LogMusic(sys.MsgMusicSleepFired, guildID)
		_ = e.Teardown(e.ctx, guildID, ReasonSleep)
	})
	sys.LogMusic(sys.MsgMusicSleepArmed, guildID, at.Format(time.RFC3339))
	return nil
}

// Rehydrate restores persisted queues. Each restored session is owned by the
// requester of the head entry and stays idle until resumed.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	queues, failed, err := e.persist.LoadQueues(ctx)
	if err != nil {
		return 0, err
	}
	for key, err := range failed {
		sys.LogMusic(sys.MsgMusicRehydrateFail, key, err)
	}

	restored := 0
	for guildID, entries := range queues {
		p := e.lockPlayer(guildID)
		_, busy := e.sessions.Get(guildID)
		if p.state.Kind() != StateIdle || busy || e.queues.Len(guildID) > 0 {
			p.mu.Unlock()
			continue
		}
		e.queues.Restore(guildID, entries)
		_, _ = e.sessions.Acquire(guildID, entries[0].RequesterID)
		p.changedAt = e.now()
		p.mu.Unlock()

		restored++
		sys.LogMusic(sys.MsgMusicRehydrated, len(entries), guildID)
		e.notify(guildID)
	}
	return restored, nil
}

// Shutdown closes every connection but keeps persisted queues for the next start.
func (e *Engine) Shutdown(ctx context.Context) {
	sys.LogMusic(sys.MsgMusicShutdown)
	e.mu.Lock()
	players := make([]*player, 0, len(e.players))
	for _, p := range e.players {
		players = append(players, p)
	}
	e.mu.Unlock()

	for _, p := range players {
		p.mu.Lock()
		p.haltLocked()
		p.stopTimersLocked()
		p.mu.Unlock()

		p.connMu.Lock()
		p.mu.Lock()
		conn := p.conn
		p.conn = nil
		p.mu.Unlock()
		if conn != nil {
			conn.Close(ctx)
		}
		p.connMu.Unlock()
	}
}

// Snapshot reads the guild's current player state.
func (e *Engine) Snapshot(guildID snowflake.ID) Snapshot {
	snap := Snapshot{GuildID: guildID, State: StateIdle}
	if p, ok := e.lookup(guildID); ok {
		p.mu.Lock()
		snap.State = p.state.Kind()
		snap.ChannelID = channelOf(p.state)
		if playing, ok := p.state.(Playing); ok {
			np := playing.Now
			snap.Now = &np
		}
		if p.pending != nil {
			pending := *p.pending
			snap.Pending = &pending
		}
		snap.Paused = p.userPaused || p.autoPaused
		snap.UserPaused = p.userPaused
		snap.AutoPaused = p.autoPaused
		snap.Connected = p.conn != nil
		snap.LastActive = p.changedAt
		p.mu.Unlock()
	}

	snap.Queue = e.queues.PeekAll(guildID)
	if sess, ok := e.sessions.Get(guildID); ok {
		snap.HasSession = true
		snap.OwnerID = sess.OwnerID
		if sess.LastActive.After(snap.LastActive) {
			snap.LastActive = sess.LastActive
		}
	}
	return snap
}

// Guilds snapshots every guild with a player, a session or a queue.
func (e *Engine) Guilds() []Snapshot {
	ids := make(map[snowflake.ID]struct{})
	e.mu.Lock()
	for id := range e.players {
		ids[id] = struct{}{}
	}
	e.mu.Unlock()
	for _, s := range e.sessions.All() {
		ids[s.GuildID] = struct{}{}
	}
	for _, id := range e.queues.Guilds() {
		ids[id] = struct{}{}
	}

	out := make([]Snapshot, 0, len(ids))
	for id := range ids {
		out = append(out, e.Snapshot(id))
	}
	return out
}

// Forget drops an idle player that holds nothing.
func (e *Engine) Forget(guildID snowflake.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.players[guildID]
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, hasSession := e.sessions.Get(guildID)
	if p.state.Kind() != StateIdle || p.conn != nil || hasSession || e.queues.Len(guildID) > 0 {
		return false
	}
	p.stopTimersLocked()
	p.retired = true
	delete(e.players, guildID)
	return true
}

// --- Dispatch ---

func (e *Engine) lookup(guildID snowflake.ID) (*player, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.players[guildID]
	return p, ok
}

// lockPlayer returns the guild's player with its lock held, creating it if needed.
func (e *Engine) lockPlayer(guildID snowflake.ID) *player {
	for {
		e.mu.Lock()
		p, ok := e.players[guildID]
		if !ok {
			p = &player{state: Idle{}, changedAt: e.now()}
			e.players[guildID] = p
		}
		e.mu.Unlock()

		p.mu.Lock()
		if !p.retired {
			return p
		}
		p.mu.Unlock()
	}
}

func (e *Engine) admitLocked(p *player, req Request) error {
	sess, ok := e.sessions.Get(req.GuildID)
	if !ok {
		_, err := e.sessions.Acquire(req.GuildID, req.UserID)
		return err
	}
	if e.sessions.CheckOwner(req.GuildID, req.UserID) {
		return nil
	}
	// Listeners in the active channel may add tracks; control stays with the owner.
	if ch := channelOf(p.state); ch != 0 && ch == req.ChannelID {
		return nil
	}
	return &OwnershipError{GuildID: req.GuildID, OwnerID: sess.OwnerID}
}

func (e *Engine) ownerLocked(guildID, userID snowflake.ID) error {
	sess, ok := e.sessions.Get(guildID)
	if !ok {
		return ErrNoSession
	}
	if !e.sessions.CheckOwner(guildID, userID) {
		return &OwnershipError{GuildID: guildID, OwnerID: sess.OwnerID}
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, guildID snowflake.ID, p *player, ev Event) error {
	p.mu.Lock()
	effects := e.applyLocked(guildID, p, ev)
	p.mu.Unlock()
	return e.run(ctx, guildID, p, effects)
}

// applyLocked runs the transition and the bookkeeping that must happen under
// the guild lock. The caller holds p.mu and passes the effects to run.
func (e *Engine) applyLocked(guildID snowflake.ID, p *player, ev Event) []Effect {
	prev := p.state
	next, effects := transition(prev, ev)
	p.state = next
	if next != prev {
		p.changedAt = e.now()
	}

	for i, eff := range effects {
		switch eff := eff.(type) {
		case haltEffect:
			p.haltLocked()
		case teardownEffect, abortEffect:
			p.haltLocked()
			p.stopTimersLocked()
			p.userPaused = false
			p.lastFailure = nil
			e.queues.Clear(guildID)
			e.sessions.Release(guildID)
		case skipLogEffect:
			p.lastFailure = &failedEntry{entry: eff.Entry, err: eff.Err}
		case playEffect:
			p.lastFailure = nil
		case exhaustedEffect:
			if p.lastFailure != nil {
				eff.Failed, eff.Err = p.lastFailure.entry, p.lastFailure.err
				effects[i] = eff
				p.lastFailure = nil
			}
			e.sessions.Release(guildID)
		}
	}
	return effects
}

// run performs effects outside the guild lock. Only a failed connect is
// reported back to the caller.
func (e *Engine) run(ctx context.Context, guildID snowflake.ID, p *player, effects []Effect) error {
	var err error
	for _, eff := range effects {
		switch eff := eff.(type) {
		case connectEffect:
			if cerr := e.connect(ctx, guildID, p, eff); cerr != nil && err == nil {
				err = cerr
			}
		case advanceEffect:
			go e.advance(guildID, p, eff.Epoch)
		case playEffect:
			e.play(guildID, p, eff)
		case discardEffect:
			closeStream(eff.Stream)
		case teardownEffect:
			sys.LogMusic(sys.MsgMusicTeardown, guildID, eff.Reason)
			e.releaseConn(ctx, guildID, p, eff.Reason != ReasonDisconnected)
		case abortEffect:
			e.releaseConn(ctx, guildID, p, false)
		case exhaustedEffect:
			sys.LogMusic(sys.MsgMusicExhausted, guildID)
			e.armIdleDisconnect(guildID, p)
			if eff.Err != nil {
				e.exhausted(guildID, eff.Failed, eff.Err)
			}
		case skipLogEffect:
			sys.LogMusic(sys.MsgMusicResolveFailed, eff.Entry.Title, guildID, eff.Err)
		}
	}
	e.changed(guildID)
	return err
}

func (e *Engine) connect(ctx context.Context, guildID snowflake.ID, p *player, eff connectEffect) error {
	// A superseded connect must finish, closing what it opened, before the
	// next one starts; otherwise both would share the guild's one connection.
	p.connMu.Lock()
	p.mu.Lock()
	if p.state.epoch() != eff.Epoch {
		p.mu.Unlock()
		p.connMu.Unlock()
		return nil
	}
	cctx, cancel := context.WithCancel(ctx)
	p.connectCancel = cancel
	conn := p.conn
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.mu.Unlock()

	sys.LogMusic(sys.MsgMusicStarting, guildID, eff.ChannelID)
	var err error
	opened := false
	switch {
	case conn != nil && conn.ChannelID() == eff.ChannelID:
	case conn != nil:
		err = conn.Move(cctx, eff.ChannelID)
	default:
		conn, err = e.voice.Connect(cctx, guildID, eff.ChannelID)
		opened = err == nil
	}

	p.mu.Lock()
	stale := p.state.epoch() != eff.Epoch
	if !stale {
		p.connectCancel = nil
		if err == nil {
			p.conn = conn
		}
	}
	p.mu.Unlock()
	cancel()
	if stale && opened {
		conn.Close(ctx)
	}
	p.connMu.Unlock()

	if stale {
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionFailure, err)
		sys.LogMusic(sys.MsgMusicConnectFailed, guildID, err)
		_ = e.dispatch(ctx, guildID, p, ConnectFailed{Epoch: eff.Epoch, Err: err})
		return err
	}
	return e.dispatch(ctx, guildID, p, Connected{Epoch: eff.Epoch})
}

// advance dequeues the next entry and resolves it. The dequeue happens under
// the guild lock so a superseded advance can never consume a newer queue.
func (e *Engine) advance(guildID snowflake.ID, p *player, epoch uint64) {
	p.mu.Lock()
	if p.state.Kind() != StateConnecting || p.state.epoch() != epoch {
		p.mu.Unlock()
		return
	}
	entry, ok := e.queues.DequeueNext(guildID)
	if !ok {
		effects := e.applyLocked(guildID, p, QueueExhausted{Epoch: epoch})
		p.mu.Unlock()
		_ = e.run(e.ctx, guildID, p, effects)
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	p.resolveCancel = cancel
	p.pending = &entry
	p.mu.Unlock()
	e.changed(guildID)

	stream, err := e.resolver.Resolve(ctx, entry.Query)
	cancel()

	p.mu.Lock()
	if p.state.epoch() == epoch {
		p.pending = nil
		p.resolveCancel = nil
	}
	var ev Event = Resolved{Epoch: epoch, Entry: entry, Stream: stream, At: e.now()}
	if err != nil {
		ev = ResolutionFailed{Epoch: epoch, Entry: entry, Err: err}
	}
	effects := e.applyLocked(guildID, p, ev)
	p.mu.Unlock()
	_ = e.run(e.ctx, guildID, p, effects)
}

func (e *Engine) play(guildID snowflake.ID, p *player, eff playEffect) {
	p.mu.Lock()
	cur, ok := p.state.(Playing)
	if !ok || cur.Epoch != eff.Epoch {
		p.mu.Unlock()
		closeStream(eff.Stream)
		return
	}
	conn := p.conn
	if conn == nil {
		p.mu.Unlock()
		closeStream(eff.Stream)
		_ = e.dispatch(e.ctx, guildID, p, PlayerError{Epoch: eff.Epoch, Err: fmt.Errorf("%w: no voice connection", ErrPlaybackFault)})
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	p.playCancel = cancel
	prev, done := p.playDone, make(chan struct{})
	p.playDone = done
	p.userPaused = false
	conn.SetPaused(p.autoPaused)
	p.mu.Unlock()

	e.sessions.Touch(guildID)
	sys.LogMusic(sys.MsgMusicPlaying, cur.Now.Entry.Title, cur.Now.Entry.ResolvedURL, guildID)
	e.trackStarted(guildID, cur.Now)

	go func() {
		defer close(done)
		// The previous track's Play must return before this one takes the connection.
		if prev != nil {
			<-prev
		}
		err := conn.Play(ctx, eff.Stream.Body)
		closeStream(eff.Stream)
		halted := ctx.Err() != nil
		cancel()

		switch {
		case halted:
		case err != nil:
			sys.LogMusic(sys.MsgMusicPlaybackFault, guildID, err)
			_ = e.dispatch(e.ctx, guildID, p, PlayerError{Epoch: eff.Epoch, Err: fmt.Errorf("%w: %w", ErrPlaybackFault, err)})
		default:
			sys.LogMusic(sys.MsgMusicTrackEnded, guildID, cur.Now.Entry.Title)
			_ = e.dispatch(e.ctx, guildID, p, TrackEnded{Epoch: eff.Epoch})
		}
	}()
}

// releaseConn parks the connection when a parking channel is configured and
// park is set, otherwise closes it.
func (e *Engine) releaseConn(ctx context.Context, guildID snowflake.ID, p *player, park bool) {
	parking := e.cfg.ParkingChannelID
	park = park && parking != 0

	p.connMu.Lock()
	defer p.connMu.Unlock()
	p.mu.Lock()
	if p.state.Kind() != StateIdle {
		// A newer session has taken the connection over.
		p.mu.Unlock()
		return
	}
	conn := p.conn
	if !park {
		p.conn = nil
	}
	p.mu.Unlock()
	if conn == nil {
		return
	}

	if !park {
		conn.Close(ctx)
		return
	}
	if conn.ChannelID() == parking {
		return
	}
	if err := conn.Move(ctx, parking); err != nil {
		sys.LogMusic(sys.MsgMusicParkFailed, guildID, err)
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		conn.Close(ctx)
	}
}

func (e *Engine) armIdleDisconnect(guildID snowflake.ID, p *player) {
	if e.cfg.IdleDisconnect <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(e.cfg.IdleDisconnect, func() {
		p.mu.Lock()
		idle := p.state.Kind() == StateIdle && p.conn != nil
		if idle {
			p.idleTimer = nil
		}
		p.mu.Unlock()
		if idle {
			sys.LogMusic(sys.MsgMusicIdleDisconnect, guildID)
			e.releaseConn(e.ctx, guildID, p, true)
			e.changed(guildID)
		}
	})
}

// --- Notifications ---

// changed persists the guild's queue snapshot and notifies observers.
func (e *Engine) changed(guildID snowflake.ID) {
	e.persistQueue(guildID)
	e.notify(guildID)
}

func (e *Engine) notify(guildID snowflake.ID) {
	e.hookMu.RLock()
	hooks := e.onChange
	e.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(guildID)
	}
}

func (e *Engine) exhausted(guildID snowflake.ID, last QueueEntry, err error) {
	e.hookMu.RLock()
	hooks := e.onExhausted
	e.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(guildID, last, err)
	}
}

func (e *Engine) trackStarted(guildID snowflake.ID, np NowPlaying) {
	e.hookMu.RLock()
	hooks := e.onTrackStart
	e.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(guildID, np)
	}
}

// persistQueue stores the current and pending entries ahead of the queue so a
// restart replays the interrupted track.
func (e *Engine) persistQueue(guildID snowflake.ID) {
	if e.persist == nil {
		return
	}
	snap := e.Snapshot(guildID)
	entries := make([]QueueEntry, 0, len(snap.Queue)+1)
	if snap.Now != nil {
		entries = append(entries, snap.Now.Entry)
	}
	if snap.Pending != nil {
		entries = append(entries, *snap.Pending)
	}
	entries = append(entries, snap.Queue...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.persist.SaveQueue(ctx, guildID, entries); err != nil {
		sys.LogMusic(sys.MsgMusicPersistFail, guildID, err)
	}
}

func closeStream(s *Stream) {
	if s != nil && s.Body != nil {
		_ = s.Body.Close()
	}
}
