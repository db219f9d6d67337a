package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ncecere/idemgate/internal/storage"
)

// Header names the coordinator reads and writes.
const (
	HeaderKey       = "Idempotency-Key"
	HeaderSignature = "X-Idempotency-Signature"
	HeaderStatus    = "X-Idempotency-Status"
)

// Values of HeaderStatus on returned responses.
const (
	StatusNew = "new"
	StatusHit = "hit"
)

// keyNamespace prefixes every cache key so record and lock addressing is
// recognizable in the backing store.
const keyNamespace = "idempotency:"

// Options configures a Coordinator. The zero value is not useful; start
// from DefaultOptions.
type Options struct {
	// TTL bounds both the cached record and the execution lock.
	TTL time.Duration
	// RequireKey rejects requests without an Idempotency-Key header.
	// When false, keyless requests bypass the coordinator entirely.
	RequireKey bool
	// WaitTimeout, when positive, makes callers that lose the lock race
	// poll for the winner's cached result instead of failing immediately.
	WaitTimeout time.Duration
	// ValidateSignature rejects key reuse with a differing request body,
	// method, URL, or headers.
	ValidateSignature bool
	// PollInterval is the cache re-check cadence while waiting.
	PollInterval time.Duration
}

// DefaultOptions mirrors the conventional deployment: five minute TTL,
// mandatory key, no waiting, signature validation on.
func DefaultOptions() Options {
	return Options{
		TTL:               5 * time.Minute,
		RequireKey:        true,
		WaitTimeout:       0,
		ValidateSignature: true,
		PollInterval:      100 * time.Millisecond,
	}
}

// Request is the framework-independent view of an incoming request. Body
// must be fully buffered by the caller; the coordinator never consumes a
// stream. Key carries the extracted Idempotency-Key header, empty if absent.
type Request struct {
	Method  string
	URL     string
	Path    string
	Headers map[string][]string
	Body    []byte
	Key     string
}

// Response is the captured handler output. Headers is mutable: the
// coordinator annotates it before returning. JSONBody marks the body as
// structured and therefore cacheable; opaque bodies pass through uncached.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	JSONBody   bool
}

// Handler executes the wrapped operation. It runs at most once per live
// lock window for a given cache key.
type Handler func(ctx context.Context) (*Response, error)

// Coordinator makes a wrapped handler idempotent per (path, key) pair using
// a shared storage backend for result caching and mutual exclusion.
//
// The lock is TTL-bounded, not renewed: a handler that outruns the
// configured TTL can race a second caller that acquires the expired lock
// before the first result is cached. Size TTL above the worst-case handler
// duration.
type Coordinator struct {
	store  storage.Backend
	opts   Options
	logger *slog.Logger
}

// New constructs a coordinator bound to a backend. Multiple coordinators
// with independent options may share one backend.
func New(store storage.Backend, opts Options, logger *slog.Logger) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, opts: opts, logger: logger}
}

// Execute runs the idempotency protocol around next: cache check, lock
// acquisition, optional bounded wait, at-most-once execution, result
// caching, lock release. Storage failures before execution propagate;
// caching failures after a successful execution are logged and swallowed.
func (c *Coordinator) Execute(ctx context.Context, req Request, next Handler) (*Response, error) {
	if req.Key == "" {
		if c.opts.RequireKey {
			return nil, ErrMissingKey
		}
		return next(ctx)
	}

	signature := Fingerprint(req.Method, req.URL, req.Headers, req.Body)
	cacheKey := keyNamespace + req.Path + ":" + req.Key

	cached, err := c.lookup(ctx, cacheKey, signature)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	acquired, err := c.store.AcquireLock(ctx, cacheKey, c.opts.TTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		if c.opts.WaitTimeout > 0 {
			cached, err := c.awaitResult(ctx, cacheKey, signature)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}
		}
		return nil, ErrInProgress
	}

	// Release must happen on every exit path, including handler failure
	// and caller cancellation.
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := c.store.ReleaseLock(releaseCtx, cacheKey); err != nil {
			c.logger.Error("release idempotency lock", "key", cacheKey, "error", err)
		}
	}()

	resp, err := next(ctx)
	if err != nil {
		return nil, err
	}

	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers[HeaderKey] = req.Key
	resp.Headers[HeaderSignature] = signature

	if resp.JSONBody {
		c.cache(ctx, cacheKey, signature, resp)
	}

	resp.Headers[HeaderStatus] = StatusNew
	return resp, nil
}

// lookup fetches the live record for key, validating its signature. A nil
// response means no record; a non-nil response is ready to return verbatim
// with the replay marker set.
func (c *Coordinator) lookup(ctx context.Context, key, signature string) (*Response, error) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	if c.opts.ValidateSignature && rec.RequestSignature != signature {
		return nil, ErrSignatureConflict
	}

	headers := make(map[string]string, len(rec.Headers)+1)
	for name, value := range rec.Headers {
		headers[name] = value
	}
	headers[HeaderStatus] = StatusHit

	return &Response{
		StatusCode: rec.StatusCode,
		Headers:    headers,
		Body:       rec.Data,
		JSONBody:   true,
	}, nil
}

// awaitResult polls the cache until the lock holder's record appears, the
// wait budget lapses (nil, nil), or ctx is canceled. A signature conflict
// discovered while waiting propagates like any other lookup failure.
func (c *Coordinator) awaitResult(ctx context.Context, key, signature string) (*Response, error) {
	deadline := time.NewTimer(c.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			cached, err := c.lookup(ctx, key, signature)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}
		}
	}
}

// cache persists the captured response. The handler already executed, so
// failures here must not fail the request; they are logged and swallowed.
func (c *Coordinator) cache(ctx context.Context, key, signature string, resp *Response) {
	if !json.Valid(resp.Body) {
		c.logger.Error("skip caching idempotent response: body is not valid JSON", "key", key)
		return
	}

	headers := make(map[string]string, len(resp.Headers))
	for name, value := range resp.Headers {
		headers[name] = value
	}

	rec := &storage.Record{
		Data:             resp.Body,
		StatusCode:       resp.StatusCode,
		Headers:          headers,
		RequestSignature: signature,
	}
	if err := c.store.Set(ctx, key, rec, c.opts.TTL); err != nil {
		c.logger.Error("cache idempotent response", "key", key, "error", err)
	}
}
