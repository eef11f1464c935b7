package proc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// --- voice ---

type fakeVoice struct {
	mu       sync.Mutex
	fail     error
	connects int
	conns    []*fakeConn
}

func (v *fakeVoice) Connect(_ context.Context, _, channelID snowflake.ID) (VoiceConn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connects++
	if v.fail != nil {
		return nil, v.fail
	}
	c := &fakeConn{channelID: channelID, ends: make(chan error, 1)}
	v.conns = append(v.conns, c)
	return c, nil
}

func (v *fakeVoice) connectCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connects
}

func (v *fakeVoice) last() *fakeConn {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.conns) == 0 {
		return nil
	}
	return v.conns[len(v.conns)-1]
}

type fakeConn struct {
	mu        sync.Mutex
	channelID snowflake.ID
	paused    bool
	closed    bool
	moves     []snowflake.ID
	plays     int
	ends      chan error
}

func (c *fakeConn) ChannelID() snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Play blocks until the test ends the track or playback is cancelled.
func (c *fakeConn) Play(ctx context.Context, _ io.Reader) error {
	c.mu.Lock()
	c.plays++
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.ends:
		return err
	}
}

func (c *fakeConn) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

func (c *fakeConn) Move(_ context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves = append(c.moves, channelID)
	c.channelID = channelID
	return nil
}

func (c *fakeConn) Close(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// countingVoice tracks how many of its connections are open and how many
// Play calls run at the same time, keeping the highest value seen of each.
type countingVoice struct {
	mu       sync.Mutex
	rng      *rand.Rand
	open     int
	maxOpen  int
	playing  int
	maxPlays int
}

func newCountingVoice(seed uint64) *countingVoice {
	return &countingVoice{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b9))}
}

func (v *countingVoice) jitter(limit time.Duration) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return time.Duration(v.rng.Int64N(int64(limit)))
}

func (v *countingVoice) Connect(ctx context.Context, _, channelID snowflake.ID) (VoiceConn, error) {
	select {
	case <-time.After(v.jitter(time.Millisecond)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open++
	v.maxOpen = max(v.maxOpen, v.open)
	return &countingConn{voice: v, channelID: channelID}, nil
}

func (v *countingVoice) stats() (open, maxOpen, maxPlays int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open, v.maxOpen, v.maxPlays
}

type countingConn struct {
	voice *countingVoice

	mu        sync.Mutex
	channelID snowflake.ID
	closed    bool
}

func (c *countingConn) ChannelID() snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Play runs for a short random time unless cancelled first.
func (c *countingConn) Play(ctx context.Context, _ io.Reader) error {
	v := c.voice
	v.mu.Lock()
	v.playing++
	v.maxPlays = max(v.maxPlays, v.playing)
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.playing--
		v.mu.Unlock()
	}()

	select {
	case <-time.After(v.jitter(2 * time.Millisecond)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *countingConn) SetPaused(bool) {}

func (c *countingConn) Move(_ context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
	return nil
}

func (c *countingConn) Close(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.voice.mu.Lock()
	c.voice.open--
	c.voice.mu.Unlock()
}

// --- resolver ---

type fakeResolver struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func newFakeResolver(failing ...string) *fakeResolver {
	r := &fakeResolver{fail: make(map[string]bool)}
	for _, q := range failing {
		r.fail[q] = true
	}
	return r
}

func (r *fakeResolver) Resolve(_ context.Context, query string) (*Stream, error) {
	r.mu.Lock()
	r.calls = append(r.calls, query)
	fail := r.fail[query]
	r.mu.Unlock()
	if fail {
		return nil, errors.Join(ErrResolutionFailure, errors.New("not found"))
	}
	return &Stream{
		Candidate: Candidate{Source: "fake", Title: query, URL: "https://example.com/" + strings.ReplaceAll(query, " ", "-"), Duration: 3 * time.Minute},
		Body:      io.NopCloser(strings.NewReader("")),
	}, nil
}

func (r *fakeResolver) resolved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// --- search providers and openers ---

type fakeProvider struct {
	name    string
	results []Candidate
	err     error
	calls   int
	queries []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Search(_ context.Context, query string) ([]Candidate, error) {
	p.calls++
	p.queries = append(p.queries, query)
	return p.results, p.err
}

type fakeOpener struct {
	mu     sync.Mutex
	fail   map[string]bool
	opened []string
}

func (o *fakeOpener) Open(_ context.Context, mediaURL string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, mediaURL)
	if o.fail[mediaURL] {
		return nil, errors.New("403 forbidden")
	}
	return io.NopCloser(strings.NewReader("audio")), nil
}

type fakeProber struct {
	meta Candidate
	err  error
}

func (p fakeProber) Probe(context.Context, string) (Candidate, error) {
	return p.meta, p.err
}

// --- storage ---

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) GetJSON(_ context.Context, key string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *memKV) SetJSON(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memKV) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

// --- panels ---

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   snowflake.ID
	created  []snowflake.ID
	channels []snowflake.ID
	edits    []PanelView
	editErr  error
	createOK bool
	// gate, when set, holds every edit until it is closed.
	gate chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 1000, createOK: true}
}

func (m *fakeMessenger) CreatePanel(_ context.Context, channelID snowflake.ID, _ PanelView) (snowflake.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.createOK {
		return 0, errors.New("missing permissions")
	}
	m.nextID++
	m.created = append(m.created, m.nextID)
	m.channels = append(m.channels, channelID)
	return m.nextID, nil
}

func (m *fakeMessenger) EditPanel(_ context.Context, _, _ snowflake.ID, view PanelView) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(m.edits, view)
	return nil
}

func (m *fakeMessenger) editCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edits)
}
