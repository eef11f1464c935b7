package proc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// DiscordVoice connects the engine to Discord voice through disgo.
type DiscordVoice struct {
	client *bot.Client
	status *voiceStatus

	mu    sync.Mutex
	conns map[snowflake.ID]*discordConn
}

func NewDiscordVoice(ctx context.Context, client *bot.Client) *DiscordVoice {
	return &DiscordVoice{
		client: client,
		status: newVoiceStatus(ctx, client),
		conns:  make(map[snowflake.ID]*discordConn),
	}
}

// Connect joins channelID, failing if the gateway does not confirm in time.
func (d *DiscordVoice) Connect(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConn, error) {
	conn, err := d.open(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	c := &discordConn{voice: d, guildID: guildID, channelID: channelID, conn: conn}
	d.mu.Lock()
	d.conns[guildID] = c
	d.mu.Unlock()
	return c, nil
}

// ShowNowPlaying writes the track title into the voice channel status.
func (d *DiscordVoice) ShowNowPlaying(guildID snowflake.ID, np NowPlaying) {
	d.mu.Lock()
	c := d.conns[guildID]
	d.mu.Unlock()
	if c != nil {
		d.status.Set(c.ChannelID(), "🎶 "+np.Entry.Title)
	}
}

func (d *DiscordVoice) open(ctx context.Context, guildID, channelID snowflake.ID) (voice.Conn, error) {
	conn := d.client.VoiceManager.CreateConn(guildID)
	if err := conn.Open(ctx, channelID, false, false); err != nil {
		conn.Close(ctx)
		return nil, err
	}
	return conn, nil
}

type discordConn struct {
	voice   *DiscordVoice
	guildID snowflake.ID
	paused  atomic.Bool

	mu        sync.Mutex
	channelID snowflake.ID
	conn      voice.Conn
	provider  *frameProvider
}

func (c *discordConn) ChannelID() snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *discordConn) SetPaused(paused bool) {
	c.paused.Store(paused)
}

// Play transcodes src to Opus and feeds it to the connection until the
// provider has sent the last frame.
func (c *discordConn) Play(ctx context.Context, src io.Reader) error {
	t := NewTranscoder()
	defer t.Close()
	if err := t.OpenInput(src); err != nil {
		return err
	}
	if err := t.SetupDecoder(); err != nil {
		return err
	}
	if err := t.SetupEncoder(); err != nil {
		return err
	}

	p := newFrameProvider(ctx, &c.paused)
	c.mu.Lock()
	conn := c.conn
	c.provider = p
	conn.SetOpusFrameProvider(p)
	c.mu.Unlock()
	conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
	defer c.detach(p)

	err := t.Transcode(ctx, p.push)
	p.push(nil)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return ctx.Err()
}

// detach removes p from the connection unless a newer track already replaced it.
func (c *discordConn) detach(p *frameProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider != p {
		return
	}
	c.provider = nil
	c.conn.SetOpusFrameProvider(nil)
	c.conn.SetSpeaking(context.Background(), 0)
}

// Move reconnects the bot in another channel of the same guild.
func (c *discordConn) Move(ctx context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	old, oldChannel := c.conn, c.channelID
	c.mu.Unlock()

	c.voice.status.Clear(oldChannel)
	old.Close(ctx)
	conn, err := c.voice.open(ctx, c.guildID, channelID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn, c.channelID = conn, channelID
	c.mu.Unlock()
	return nil
}

func (c *discordConn) Close(ctx context.Context) {
	c.mu.Lock()
	conn, channelID := c.conn, c.channelID
	c.mu.Unlock()

	c.voice.status.Clear(channelID)
	conn.Close(ctx)

	c.voice.mu.Lock()
	if c.voice.conns[c.guildID] == c {
		delete(c.voice.conns, c.guildID)
	}
	c.voice.mu.Unlock()
}

// frameProvider hands transcoded Opus frames to disgo's audio sender. It
// yields silence while paused or starved and io.EOF after the last frame.
type frameProvider struct {
	ctx    context.Context
	frames chan []byte
	paused *atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newFrameProvider(ctx context.Context, paused *atomic.Bool) *frameProvider {
	return &frameProvider{ctx: ctx, frames: make(chan []byte, 100), paused: paused, done: make(chan struct{})}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	if p.paused.Load() {
		return nil, nil
	}
	select {
	case f := <-p.frames:
		if f == nil {
			p.Close()
			return nil, io.EOF
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(100 * time.Millisecond):
		return nil, nil
	}
}

func (p *frameProvider) Close() {
	p.once.Do(func() { close(p.done) })
}

// push blocks until the sender takes f or playback is cancelled. A nil frame
// marks the end of the stream.
func (p *frameProvider) push(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}
