package proc

import (
	"context"
	"time"

	"github.com/leeineian/tempo/sys"
)

const (
	DefaultReapInterval = 5 * time.Minute
	DefaultStaleAfter   = 30 * time.Minute
)

// Reaper periodically tears down abandoned guild players.
type Reaper struct {
	engine     *Engine
	interval   time.Duration
	staleAfter time.Duration
}

func NewReaper(engine *Engine, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{engine: engine, interval: interval, staleAfter: staleAfter}
}

// Sweep tears down every stale or orphaned guild and forgets empty ones. It
// returns how many guilds were torn down.
//
// A guild is active while a track plays to listeners. Otherwise its last
// activity is the later of its last state change and the owner's last
// interaction.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	reaped := 0
	for _, s := range r.engine.Guilds() {
		switch {
		case isEmpty(s):
			r.engine.Forget(s.GuildID)
		case isOrphaned(s) || r.isStale(s, now):
			if err := r.engine.Teardown(ctx, s.GuildID, ReasonInactive); err == nil {
				reaped++
			}
		}
	}
	if reaped > 0 {
		sys.LogReaper(sys.MsgReaperSwept, reaped)
	}
	return reaped
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.Sweep(ctx, t)
		}
	}
}

func (r *Reaper) isStale(s Snapshot, now time.Time) bool {
	if s.State == StatePlaying && !s.AutoPaused {
		return false
	}
	// A bare connection is left to the idle disconnect or the parking channel.
	if !s.HasSession && s.State == StateIdle && len(s.Queue) == 0 {
		return false
	}
	return now.Sub(s.LastActive) > r.staleAfter
}

func isEmpty(s Snapshot) bool {
	return s.State == StateIdle && !s.HasSession && !s.Connected && len(s.Queue) == 0
}

// isOrphaned reports player state that no session accounts for.
func isOrphaned(s Snapshot) bool {
	return !s.HasSession && (s.State != StateIdle || len(s.Queue) > 0)
}
