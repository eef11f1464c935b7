package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/leeineian/tempo/sys"
	"golang.org/x/sync/errgroup"
)

const DefaultResolveTimeout = 12 * time.Second

// Candidate is one search hit or probed URL.
type Candidate struct {
	Source   string
	Title    string
	URL      string
	Uploader string
	Duration time.Duration
	IsLive   bool
}

// Eligible reports whether the candidate may be played: livestreams and
// zero-length entries are excluded.
func (c Candidate) Eligible() bool {
	return !c.IsLive && c.Duration > 0
}

// Stream is a resolved, opened track. The caller owns Body and must close it.
type Stream struct {
	Candidate
	Body io.ReadCloser
}

// SearchProvider returns ranked candidates for a free-text query.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// StreamOpener opens an audio byte stream for a media URL. ctx bounds the
// open only; the returned stream lives until it is closed.
type StreamOpener interface {
	Open(ctx context.Context, mediaURL string) (io.ReadCloser, error)
}

// MetadataProber looks up title and duration for a direct URL.
type MetadataProber interface {
	Probe(ctx context.Context, mediaURL string) (Candidate, error)
}

// Attempt is one strategy tried by FirstSuccess.
type Attempt[T any] func(ctx context.Context) (T, error)

var errNoAttempts = errors.New("no strategies to try")

// FirstSuccess runs attempts in order and returns the first result without an
// error. When every attempt fails the joined errors are returned.
func FirstSuccess[T any](ctx context.Context, attempts ...Attempt[T]) (T, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, errNoAttempts
	}

	errs := make([]error, 0, len(attempts))
	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := attempt(ctx)
		if err == nil {
			return v, nil
		}
		errs = append(errs, err)
	}
	return zero, errors.Join(errs...)
}

// Resolver turns queries into opened streams.
type Resolver struct {
	providers []SearchProvider
	opener    StreamOpener
	prober    MetadataProber
	timeout   time.Duration
}

// NewResolver builds a resolver that searches providers in the given priority order.
func NewResolver(opener StreamOpener, prober MetadataProber, timeout time.Duration, providers ...SearchProvider) *Resolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{providers: providers, opener: opener, prober: prober, timeout: timeout}
}

// Resolve maps a URL or free-text query to a playable stream. Every failure
// wraps ErrResolutionFailure.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Stream, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		s   *Stream
		err error
	)
	if IsURL(q) {
		s, err = r.direct(ctx, q)
	} else {
		s, err = r.search(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrResolutionFailure, q, err)
	}
	sys.LogResolver(sys.MsgResolverResolved, q, s.Source, s.URL)
	return s, nil
}

func (r *Resolver) search(ctx context.Context, q string) (*Stream, error) {
	lists := make([]Attempt[[]Candidate], 0, len(r.providers))
	for _, p := range r.providers {
		lists = append(lists, func(ctx context.Context) ([]Candidate, error) {
			sys.LogDebug(sys.MsgResolverSearching, p.Name(), q)
			results, err := p.Search(ctx, q)
			if err != nil {
				sys.LogResolver(sys.MsgResolverProviderFailed, p.Name(), q, err)
				return nil, fmt.Errorf("%s: %w", p.Name(), err)
			}
			eligible := Eligible(results)
			if len(eligible) == 0 {
				return nil, fmt.Errorf("%s: no eligible results", p.Name())
			}
			return eligible, nil
		})
	}

	candidates, err := FirstSuccess(ctx, lists...)
	if err != nil {
		return nil, err
	}

	opens := make([]Attempt[*Stream], 0, len(candidates))
	for _, c := range candidates {
		opens = append(opens, r.openAttempt(c))
	}
	return FirstSuccess(ctx, opens...)
}

func (r *Resolver) direct(ctx context.Context, u string) (*Stream, error) {
	meta := Candidate{Source: "url", Title: u, URL: u}
	var body io.ReadCloser

	var g errgroup.Group
	if r.prober != nil {
		g.Go(func() error {
			if probed, err := r.prober.Probe(ctx, u); err == nil {
				meta = probed
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		body, err = r.opener.Open(ctx, u)
		return err
	})
	if err := g.Wait(); err != nil {
		if body != nil {
			_ = body.Close()
		}
		sys.LogResolver(sys.MsgResolverOpenFailed, u, err)
		return nil, err
	}
	if meta.URL == "" {
		meta.URL = u
	}
	return &Stream{Candidate: meta, Body: body}, nil
}

func (r *Resolver) openAttempt(c Candidate) Attempt[*Stream] {
	return func(ctx context.Context) (*Stream, error) {
		body, err := r.opener.Open(ctx, c.URL)
		if err != nil {
			sys.LogResolver(sys.MsgResolverOpenFailed, c.URL, err)
			return nil, err
		}
		return &Stream{Candidate: c, Body: body}, nil
	}
}

// Eligible filters out livestreams and zero-length candidates, keeping order.
func Eligible(results []Candidate) []Candidate {
	out := make([]Candidate, 0, len(results))
	for _, c := range results {
		if c.Eligible() {
			out = append(out, c)
		}
	}
	return out
}

// IsURL reports whether q is an absolute http(s) URL.
func IsURL(q string) bool {
	u, err := url.Parse(strings.TrimSpace(q))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// suffixProvider retries a provider with extra words appended to the query.
type suffixProvider struct {
	SearchProvider
	suffix string
}

// WithSuffix wraps p so every query gets suffix appended, e.g. " audio".
func WithSuffix(p SearchProvider, suffix string) SearchProvider {
	return suffixProvider{SearchProvider: p, suffix: suffix}
}

func (s suffixProvider) Name() string {
	return s.SearchProvider.Name() + "+" + strings.TrimSpace(s.suffix)
}

func (s suffixProvider) Search(ctx context.Context, query string) ([]Candidate, error) {
	return s.SearchProvider.Search(ctx, query+s.suffix)
}
