package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/leeineian/tempo/sys"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSearchLimit   = 5
	DefaultPlaylistLimit = 50
	suggestTimeout       = 2500 * time.Millisecond
)

// --- YouTube Music ---

// YTMusicProvider searches YouTube Music tracks through its web API.
type YTMusicProvider struct {
	Limit int
}

func (YTMusicProvider) Name() string { return "ytmusic" }

func (p YTMusicProvider) Search(ctx context.Context, query string) ([]Candidate, error) {
	type result struct {
		candidates []Candidate
		err        error
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	// The client has no context support, so the call is raced against ctx.
	ch := make(chan result, 1)
	go func() {
		r, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			ch <- result{err: err}
			return
		}
		out := make([]Candidate, 0, limit)
		for _, t := range r.Tracks {
			if t.VideoID == "" {
				continue
			}
			c := Candidate{
				Source:   "ytmusic",
				Title:    t.Title,
				URL:      "https://music.youtube.com/watch?v=" + t.VideoID,
				Duration: time.Duration(t.Duration) * time.Second,
			}
			if len(t.Artists) > 0 {
				c.Uploader = t.Artists[0].Name
			}
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
		ch <- result{candidates: out}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.candidates, res.err
	}
}

// --- yt-dlp ---

// YTDLPSearch runs a yt-dlp search extractor such as "ytsearch" or "ytmsearch".
type YTDLPSearch struct {
	Extractor string
	Limit     int
}

func (p YTDLPSearch) Name() string {
	if p.Extractor == "" {
		return "ytsearch"
	}
	return p.Extractor
}

func (p YTDLPSearch) Search(ctx context.Context, query string) ([]Candidate, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(live_status)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, fmt.Sprintf("%s%d:%s", p.Name(), limit, query))
	if err != nil {
		return nil, err
	}
	return parseCandidates(res.Stdout, p.Name()), nil
}

// parseCandidates reads url, title, uploader, duration and live status
// columns from tab-separated yt-dlp output.
func parseCandidates(stdout, source string) []Candidate {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	out := make([]Candidate, 0, len(lines))
	for _, l := range lines {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		c := Candidate{Source: source, URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: d}
		if len(ps) > 4 {
			c.IsLive = ps[4] == "is_live" || ps[4] == "is_upcoming"
		}
		out = append(out, c)
	}
	return out
}

// YTDLPMedia opens and probes media URLs with yt-dlp.
type YTDLPMedia struct{}

// Probe reads title, uploader, duration and live status without downloading.
func (YTDLPMedia) Probe(ctx context.Context, mediaURL string) (Candidate, error) {
	res, err := ytdlp.New().
		Print("%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(live_status)s").
		NoSimulate().
		NoPlaylist().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, "--skip-download", mediaURL)
	if err != nil {
		if res != nil && strings.Contains(strings.ToLower(res.Stderr), "drm") {
			return Candidate{}, fmt.Errorf("DRM: %w", err)
		}
		return Candidate{}, err
	}
	cs := parseCandidates(res.Stdout, "url")
	if len(cs) == 0 {
		return Candidate{}, errors.New("failed to parse metadata")
	}
	return cs[0], nil
}

// Open starts yt-dlp streaming the best audio format to stdout. It returns once
// the first byte arrives, so dead links fail here instead of mid-playback.
func (YTDLPMedia) Open(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := ytdlp.New().
		Format("bestaudio[ext=webm]/bestaudio").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckFormats().
		NoWarnings().
		IgnoreConfig().
		BuildCommand(procCtx, mediaURL)

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	cmd.Stdout = pw
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			pw.CloseWithError(errors.New(msg))
			return
		}
		pw.Close()
	}()

	br := bufio.NewReaderSize(pr, 64*1024)
	first := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		first <- err
	}()

	stream := &processStream{Reader: br, pipe: pr, cancel: cancel}
	select {
	case err := <-first:
		if err != nil {
			stream.Close()
			return nil, err
		}
	case <-ctx.Done():
		stream.Close()
		return nil, ctx.Err()
	}
	return stream, nil
}

type processStream struct {
	io.Reader
	pipe   *io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

func (s *processStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pipe.Close()
	})
	return err
}

// IsPlaylistURL reports whether u points at a playlist rather than one video.
func IsPlaylistURL(u string) bool {
	lower := strings.ToLower(u)
	return IsURL(u) && (strings.Contains(lower, "list=") || strings.Contains(lower, "/playlist") || strings.Contains(lower, "/sets/"))
}

// ExpandPlaylist lists up to limit entries of a playlist as candidates.
func ExpandPlaylist(ctx context.Context, playlistURL string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = DefaultPlaylistLimit
	}
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(live_status)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	return parseCandidates(res.Stdout, "playlist"), nil
}

// --- Autocomplete ---

// sourceLabel is the tag put in front of a suggestion from the source that
// prefix selects.
func sourceLabel(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + " "
}

// Suggestion is an autocomplete choice for the play command.
type Suggestion struct {
	Title string
	URL   string
}

// Suggest queries YouTube Music and YouTube concurrently and merges the
// results, YouTube Music first. Query prefixes restrict the search to one source.
func Suggest(ctx context.Context, query, ytPrefix, ytmPrefix string, limit int) []Suggestion {
	q := strings.TrimSpace(query)
	useYT, useYTM := true, true
	switch {
	case ytPrefix != "" && strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytPrefix)):
		q, useYTM = strings.TrimSpace(q[len(ytPrefix):]), false
	case ytmPrefix != "" && strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytmPrefix)):
		q, useYT = strings.TrimSpace(q[len(ytmPrefix):]), false
	}
	if q == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	var ytm, yt []Suggestion
	g, gctx := errgroup.WithContext(ctx)
	if useYTM {
		g.Go(func() error {
			cs, err := YTMusicProvider{Limit: limit}.Search(gctx, q)
			for _, c := range cs {
				ytm = append(ytm, Suggestion{Title: TruncateWithPreserve(c.Title, 100, sourceLabel(ytmPrefix), artistSuffix(c.Uploader)), URL: c.URL})
			}
			return ignoreErr(err)
		})
	}
	if useYT {
		g.Go(func() error {
			r, err := ytsearch.NewClient(nil).Search(gctx, q)
			if err != nil {
				return ignoreErr(err)
			}
			for _, v := range r.Results {
				if v.VideoID == "" {
					continue
				}
				yt = append(yt, Suggestion{Title: TruncateWithPreserve(v.Title, 100, sourceLabel(ytPrefix), ""), URL: "https://www.youtube.com/watch?v=" + v.VideoID})
			}
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	out := make([]Suggestion, 0, len(ytm)+len(yt))
	for _, s := range append(ytm, yt...) {
		if seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func artistSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " - " + name
}

// ignoreErr keeps one failing source from cancelling the other.
func ignoreErr(err error) error {
	if err != nil {
		sys.LogDebug("suggest source failed: %v", err)
	}
	return nil
}
