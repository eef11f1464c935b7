package proc

import (
	"context"
	"net/http"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/sys"
)

const (
	statusDebounce   = 500 * time.Millisecond
	statusRetryDelay = time.Second
	statusMaxLen     = 128
)

// statusUpdate targets one voice channel's status text.
type statusUpdate struct {
	channelID snowflake.ID
	text      string
}

// voiceStatus debounces voice channel status writes for one connection and
// retries failed writes until a newer status replaces them.
type voiceStatus struct {
	client  *bot.Client
	updates chan statusUpdate
}

func newVoiceStatus(ctx context.Context, client *bot.Client) *voiceStatus {
	s := &voiceStatus{client: client, updates: make(chan statusUpdate, 10)}
	sys.SafeGo(func() { s.run(ctx) })
	return s
}

// Set queues a status for channelID. An empty text clears it.
func (s *voiceStatus) Set(channelID snowflake.ID, text string) {
	if channelID == 0 {
		return
	}
	select {
	case s.updates <- statusUpdate{channelID: channelID, text: text}:
	default:
	}
}

// Clear writes an empty status immediately, bypassing the debounce.
func (s *voiceStatus) Clear(channelID snowflake.ID) {
	if channelID == 0 {
		return
	}
	_ = s.put(statusUpdate{channelID: channelID})
}

func (s *voiceStatus) run(ctx context.Context) {
	var cur, next statusUpdate
	hasNext := false
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.updates:
			next, hasNext = n, true
		drain:
			for {
				select {
				case n := <-s.updates:
					next = n
				default:
					break drain
				}
			}
			if next == cur {
				hasNext = false
				continue
			}
			t.Reset(statusDebounce)
		case <-t.C:
			if !hasNext {
				continue
			}
			if err := s.put(next); err != nil {
				sys.LogMusic(sys.MsgMusicStatusUpdateFail, next.channelID, err)
				t.Reset(statusRetryDelay)
				continue
			}
			cur, hasNext = next, false
		}
	}
}

func (s *voiceStatus) put(u statusUpdate) error {
	text := u.text
	if len([]rune(text)) > statusMaxLen {
		text = TruncateCenter(text, statusMaxLen)
	}
	route := rest.NewEndpoint(http.MethodPut, "/channels/"+u.channelID.String()+"/voice-status")
	return s.client.Rest.Do(route.Compile(nil), map[string]string{"status": text}, nil)
}
