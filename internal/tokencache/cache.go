// Package tokencache caches provider access tokens and refreshes them
// shortly before they expire.
package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMargin is how long before expiry a token is considered stale.
const DefaultMargin = 300 * time.Second

// DefaultRefreshTimeout bounds one shared refresh.
const DefaultRefreshTimeout = 30 * time.Second

// Token is an access credential. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Source issues fresh tokens.
type Source interface {
	Fetch(ctx context.Context) (Token, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Token, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (Token, error) { return f(ctx) }

// Static returns a Source that always yields key and never expires.
func Static(key string) Source {
	return SourceFunc(func(context.Context) (Token, error) {
		if key == "" {
			return Token{}, eris.New("tokencache: empty static key")
		}
		return Token{Value: key}, nil
	})
}

// Cache holds the current token for one Source. Safe for concurrent use.
type Cache struct {
	name   string
	src    Source
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	tok   Token
	valid bool

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMargin sets the refresh margin.
func WithMargin(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.margin = d
		}
	}
}

// WithRefreshTimeout bounds how long a shared refresh may run.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache named for logging.
func New(name string, src Source, opts ...Option) *Cache {
	c := &Cache{name: name, src: src, margin: DefaultMargin, timeout: DefaultRefreshTimeout, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns a usable token, refreshing first when the cached one is
// missing or inside the margin. Concurrent callers share one refresh. The
// refresh is detached from the caller that started it, so one caller giving
// up does not fail the others; each caller still returns when its own ctx
// is done.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok.Value, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", eris.Wrapf(ctx.Err(), "tokencache: wait for %s refresh", c.name)
	}
	if res.Err != nil {
		return "", res.Err
	}

	tok := res.Val.(Token)
	if !tok.ExpiresAt.IsZero() && !c.now().Before(tok.ExpiresAt) {
		return "", eris.Errorf("tokencache: %s token expired at %s", c.name, tok.ExpiresAt.Format(time.RFC3339))
	}
	return tok.Value, nil
}

func (c *Cache) refresh(ctx context.Context) (Token, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.src.Fetch(ctx)
	if err != nil {
		return Token{}, eris.Wrapf(err, "tokencache: refresh %s", c.name)
	}
	c.mu.Lock()
	c.tok, c.valid = tok, true
	c.mu.Unlock()
	zap.L().Debug("token refreshed",
		zap.String("component", "tokencache"),
		zap.String("source", c.name),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *Cache) cached() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return Token{}, false
	}
	if c.tok.ExpiresAt.IsZero() || c.now().Before(c.tok.ExpiresAt.Add(-c.margin)) {
		return c.tok, true
	}
	return Token{}, false
}
