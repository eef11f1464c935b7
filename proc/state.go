package proc

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// StateKind names a player state.
type StateKind int

const (
	StateIdle       StateKind = iota // No session activity, nothing playing
	StateConnecting                  // Joining voice or resolving the next entry
	StatePlaying                     // A stream is attached to the connection
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// NowPlaying is the track attached to a guild's connection.
type NowPlaying struct {
	Entry     QueueEntry
	StartedAt time.Time
}

// State is one of Idle, Connecting or Playing. Every state carries an epoch;
// events stamped with an older epoch are ignored.
type State interface {
	Kind() StateKind
	epoch() uint64
}

type Idle struct {
	Epoch uint64
}

type Connecting struct {
	ChannelID snowflake.ID
	Epoch     uint64
}

type Playing struct {
	ChannelID snowflake.ID
	Epoch     uint64
	Now       NowPlaying
}

func (Idle) Kind() StateKind       { return StateIdle }
func (Connecting) Kind() StateKind { return StateConnecting }
func (Playing) Kind() StateKind    { return StatePlaying }

func (s Idle) epoch() uint64       { return s.Epoch }
func (s Connecting) epoch() uint64 { return s.Epoch }
func (s Playing) epoch() uint64    { return s.Epoch }

// channelOf returns the voice channel a state is bound to, or zero when idle.
func channelOf(s State) snowflake.ID {
	switch s := s.(type) {
	case Connecting:
		return s.ChannelID
	case Playing:
		return s.ChannelID
	}
	return 0
}

// --- Events ---

// Event is an input to the player state machine.
type Event interface{ isEvent() }

type (
	StartRequested struct {
		ChannelID snowflake.ID
	}
	Connected struct {
		Epoch uint64
	}
	ConnectFailed struct {
		Epoch uint64
		Err   error
	}
	Resolved struct {
		Epoch  uint64
		Entry  QueueEntry
		Stream *Stream
		At     time.Time
	}
	ResolutionFailed struct {
		Epoch uint64
		Entry QueueEntry
		Err   error
	}
	QueueExhausted struct {
		Epoch uint64
	}
	TrackEnded struct {
		Epoch uint64
	}
	PlayerError struct {
		Epoch uint64
		Err   error
	}
	SkipRequested struct{}
	StopRequested struct {
		Reason string
	}
)

func (StartRequested) isEvent()   {}
func (Connected) isEvent()        {}
func (ConnectFailed) isEvent()    {}
func (Resolved) isEvent()         {}
func (ResolutionFailed) isEvent() {}
func (QueueExhausted) isEvent()   {}
func (TrackEnded) isEvent()       {}
func (PlayerError) isEvent()      {}
func (SkipRequested) isEvent()    {}
func (StopRequested) isEvent()    {}

// --- Effects ---

// Effect is work the engine performs after a transition.
type Effect interface{ isEffect() }

type (
	// connectEffect joins or moves to the channel, answering with Connected or ConnectFailed.
	connectEffect struct {
		ChannelID snowflake.ID
		Epoch     uint64
	}
	// advanceEffect dequeues and resolves the next entry.
	advanceEffect struct {
		Epoch uint64
	}
	// playEffect attaches the stream to the connection.
	playEffect struct {
		Epoch  uint64
		Stream *Stream
	}
	// haltEffect cancels in-flight playback and resolution.
	haltEffect struct{}
	// discardEffect closes a stream nobody will play.
	discardEffect struct {
		Stream *Stream
	}
	// teardownEffect clears the queue, parks or closes the connection and releases the session.
	teardownEffect struct {
		Reason string
	}
	// abortEffect cleans up after a failed connect.
	abortEffect struct {
		Err error
	}
	// exhaustedEffect releases the session and arms the idle disconnect. When
	// the last entry failed, the engine fills in Failed and Err.
	exhaustedEffect struct {
		Failed QueueEntry
		Err    error
	}
	// skipLogEffect records a failed entry before moving on.
	skipLogEffect struct {
		Entry QueueEntry
		Err   error
	}
)

func (connectEffect) isEffect()   {}
func (advanceEffect) isEffect()   {}
func (playEffect) isEffect()      {}
func (haltEffect) isEffect()      {}
func (discardEffect) isEffect()   {}
func (teardownEffect) isEffect()  {}
func (abortEffect) isEffect()     {}
func (exhaustedEffect) isEffect() {}
func (skipLogEffect) isEffect()   {}

// transition is the player's pure state function. Events that do not apply to
// the current state, or that carry a stale epoch, leave the state unchanged.
func transition(s State, ev Event) (State, []Effect) {
	cur := s.epoch()

	switch ev := ev.(type) {
	case StopRequested:
		if s.Kind() == StateIdle {
			return s, []Effect{teardownEffect{Reason: ev.Reason}}
		}
		return Idle{Epoch: cur + 1}, []Effect{haltEffect{}, teardownEffect{Reason: ev.Reason}}

	case Resolved:
		c, ok := s.(Connecting)
		if !ok || ev.Epoch != cur {
			return s, []Effect{discardEffect{Stream: ev.Stream}}
		}
		entry := ev.Entry
		if ev.Stream != nil {
			entry.Title = ev.Stream.Title
			entry.ResolvedURL = ev.Stream.URL
			entry.Source = ev.Stream.Source
			entry.DurationSeconds = int(ev.Stream.Duration / time.Second)
		}
		next := Playing{ChannelID: c.ChannelID, Epoch: cur, Now: NowPlaying{Entry: entry, StartedAt: ev.At}}
		return next, []Effect{playEffect{Epoch: cur, Stream: ev.Stream}}
	}

	switch s := s.(type) {
	case Idle:
		if ev, ok := ev.(StartRequested); ok {
			next := Connecting{ChannelID: ev.ChannelID, Epoch: cur + 1}
			return next, []Effect{connectEffect{ChannelID: ev.ChannelID, Epoch: next.Epoch}}
		}

	case Connecting:
		switch ev := ev.(type) {
		case Connected:
			if ev.Epoch == cur {
				return s, []Effect{advanceEffect{Epoch: cur}}
			}
		case ConnectFailed:
			if ev.Epoch == cur {
				return Idle{Epoch: cur + 1}, []Effect{abortEffect{Err: ev.Err}}
			}
		case ResolutionFailed:
			if ev.Epoch == cur {
				next := Connecting{ChannelID: s.ChannelID, Epoch: cur + 1}
				return next, []Effect{skipLogEffect{Entry: ev.Entry, Err: ev.Err}, advanceEffect{Epoch: next.Epoch}}
			}
		case QueueExhausted:
			if ev.Epoch == cur {
				return Idle{Epoch: cur + 1}, []Effect{exhaustedEffect{}}
			}
		}

	case Playing:
		next := Connecting{ChannelID: s.ChannelID, Epoch: cur + 1}
		switch ev := ev.(type) {
		case TrackEnded:
			if ev.Epoch == cur {
				return next, []Effect{advanceEffect{Epoch: next.Epoch}}
			}
		case PlayerError:
			if ev.Epoch == cur {
				return next, []Effect{skipLogEffect{Entry: s.Now.Entry, Err: ev.Err}, advanceEffect{Epoch: next.Epoch}}
			}
		case SkipRequested:
			return next, []Effect{haltEffect{}, advanceEffect{Epoch: next.Epoch}}
		}
	}
	return s, nil
}
