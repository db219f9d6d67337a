package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/idemgate/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TTL = time.Minute
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

func testRequest(key, body string) Request {
	return Request{
		Method:  "POST",
		URL:     "http://svc/echo",
		Path:    "/echo",
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    []byte(body),
		Key:     key,
	}
}

func countingHandler(calls *atomic.Int32, body string) Handler {
	return func(context.Context) (*Response, error) {
		calls.Add(1)
		return &Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(body),
			JSONBody:   true,
		}, nil
	}
}

func TestExecuteReplaysCachedResponse(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	handler := countingHandler(&calls, `{"echo":{"message":"hello"}}`)
	req := testRequest("abc123", `{"message":"hello"}`)

	first, err := coord.Execute(ctx, req, handler)
	require.NoError(t, err)
	require.Equal(t, 200, first.StatusCode)
	require.Equal(t, StatusNew, first.Headers[HeaderStatus])
	require.Equal(t, "abc123", first.Headers[HeaderKey])
	require.NotEmpty(t, first.Headers[HeaderSignature])

	second, err := coord.Execute(ctx, req, handler)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load(), "handler must run exactly once")
	require.Equal(t, first.StatusCode, second.StatusCode)
	require.JSONEq(t, string(first.Body), string(second.Body))
	require.Equal(t, StatusHit, second.Headers[HeaderStatus])
}

func TestExecuteConflictOnDifferentPayload(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	first, err := coord.Execute(ctx, testRequest("same-key", `{"x":1}`), countingHandler(&calls, `{"echo":{"x":1}}`))
	require.NoError(t, err)

	_, err = coord.Execute(ctx, testRequest("same-key", `{"x":999}`), countingHandler(&calls, `{"echo":{"x":999}}`))
	require.ErrorIs(t, err, ErrSignatureConflict)
	require.Contains(t, err.Error(), "does not match")
	require.Equal(t, int32(1), calls.Load())

	// The original cached record must be untouched by the conflicting call.
	replay, err := coord.Execute(ctx, testRequest("same-key", `{"x":1}`), countingHandler(&calls, `{"echo":{"x":1}}`))
	require.NoError(t, err)
	require.JSONEq(t, string(first.Body), string(replay.Body))
	require.Equal(t, StatusHit, replay.Headers[HeaderStatus])
}

func TestExecuteMissingKeyRequired(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())

	var calls atomic.Int32
	_, err := coord.Execute(context.Background(), testRequest("", `{"x":1}`), countingHandler(&calls, `{}`))
	require.ErrorIs(t, err, ErrMissingKey)
	require.Equal(t, int32(0), calls.Load(), "handler must not run without a key")
}

func TestExecuteMissingKeyBypassWhenNotRequired(t *testing.T) {
	opts := testOptions()
	opts.RequireKey = false
	coord := New(storage.NewMemory(), opts, testLogger())

	var calls atomic.Int32
	resp, err := coord.Execute(context.Background(), testRequest("", `{"x":1}`), countingHandler(&calls, `{"echo":{"x":1}}`))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.NotContains(t, resp.Headers, HeaderStatus, "bypassed responses are not annotated")

	// And nothing was cached: a second keyless call executes again.
	_, err = coord.Execute(context.Background(), testRequest("", `{"x":1}`), countingHandler(&calls, `{"echo":{"x":1}}`))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteSameKeyDistinctPathsIsolated(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	reqA := testRequest("shared-token", `{"x":1}`)
	reqB := reqA
	reqB.Path = "/orders"
	reqB.URL = "http://svc/orders"

	_, err := coord.Execute(ctx, reqA, countingHandler(&calls, `{}`))
	require.NoError(t, err)
	_, err = coord.Execute(ctx, reqB, countingHandler(&calls, `{}`))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load(), "same token on distinct paths must not collide")
}

func TestExecuteInProgressFastFail(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func(context.Context) (*Response, error) {
		close(entered)
		<-release
		return &Response{StatusCode: 200, Headers: map[string]string{}, Body: []byte(`{}`), JSONBody: true}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.Execute(ctx, testRequest("k", `{}`), blocking)
		errCh <- err
	}()
	<-entered

	var calls atomic.Int32
	_, err := coord.Execute(ctx, testRequest("k", `{}`), countingHandler(&calls, `{}`))
	require.ErrorIs(t, err, ErrInProgress)
	require.Equal(t, int32(0), calls.Load())

	close(release)
	require.NoError(t, <-errCh)
}

func TestExecuteWaitReturnsWinnersResult(t *testing.T) {
	opts := testOptions()
	opts.WaitTimeout = 2 * time.Second
	coord := New(storage.NewMemory(), opts, testLogger())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	winner := func(context.Context) (*Response, error) {
		close(entered)
		<-release
		return &Response{
			StatusCode: 201,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"id":"order-1"}`),
			JSONBody:   true,
		}, nil
	}

	winnerErr := make(chan error, 1)
	go func() {
		_, err := coord.Execute(ctx, testRequest("k", `{}`), winner)
		winnerErr <- err
	}()
	<-entered

	type waitResult struct {
		resp *Response
		err  error
	}
	waiterDone := make(chan waitResult, 1)
	go func() {
		resp, err := coord.Execute(ctx, testRequest("k", `{}`), countingHandler(new(atomic.Int32), `{}`))
		waiterDone <- waitResult{resp: resp, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-winnerErr)

	got := <-waiterDone
	require.NoError(t, got.err)
	resp := got.resp
	require.Equal(t, 201, resp.StatusCode)
	require.JSONEq(t, `{"id":"order-1"}`, string(resp.Body))
	require.Equal(t, StatusHit, resp.Headers[HeaderStatus])
}

func TestExecuteWaitTimeoutReportsInProgress(t *testing.T) {
	opts := testOptions()
	opts.WaitTimeout = 30 * time.Millisecond
	coord := New(storage.NewMemory(), opts, testLogger())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := func(context.Context) (*Response, error) {
		close(entered)
		<-release
		return &Response{StatusCode: 200, Headers: map[string]string{}, Body: []byte(`{}`), JSONBody: true}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.Execute(ctx, testRequest("k", `{}`), blocking)
		errCh <- err
	}()
	<-entered

	_, err := coord.Execute(ctx, testRequest("k", `{}`), countingHandler(new(atomic.Int32), `{}`))
	require.ErrorIs(t, err, ErrInProgress)

	close(release)
	require.NoError(t, <-errCh)
}

func TestExecuteReleasesLockOnHandlerFailure(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	handlerErr := errors.New("payment provider unavailable")
	_, err := coord.Execute(ctx, testRequest("k", `{}`), func(context.Context) (*Response, error) {
		return nil, handlerErr
	})
	require.ErrorIs(t, err, handlerErr)

	// The lock must be gone and nothing cached: a retry executes the handler.
	var calls atomic.Int32
	resp, err := coord.Execute(ctx, testRequest("k", `{}`), countingHandler(&calls, `{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, StatusNew, resp.Headers[HeaderStatus])
}

func TestExecuteCacheWriteFailureDoesNotFailRequest(t *testing.T) {
	store := &flakyBackend{Backend: storage.NewMemory(), failSet: true}
	coord := New(store, testOptions(), testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	resp, err := coord.Execute(ctx, testRequest("k", `{}`), countingHandler(&calls, `{"ok":true}`))
	require.NoError(t, err, "a failed cache write must not fail the executed request")
	require.Equal(t, StatusNew, resp.Headers[HeaderStatus])

	// With nothing cached, a retry re-executes rather than replaying.
	_, err = coord.Execute(ctx, testRequest("k", `{}`), countingHandler(&calls, `{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestExecuteStorageLookupFailurePropagates(t *testing.T) {
	store := &flakyBackend{Backend: storage.NewMemory(), failGet: true}
	coord := New(store, testOptions(), testLogger())

	var calls atomic.Int32
	_, err := coord.Execute(context.Background(), testRequest("k", `{}`), countingHandler(&calls, `{}`))
	require.Error(t, err)
	require.Equal(t, int32(0), calls.Load(), "handler must not run when storage is unavailable")
}

func TestExecuteNonJSONResponseNotCached(t *testing.T) {
	coord := New(storage.NewMemory(), testOptions(), testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	opaque := func(context.Context) (*Response, error) {
		calls.Add(1)
		return &Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/octet-stream"},
			Body:       []byte{0x1f, 0x8b},
			JSONBody:   false,
		}, nil
	}

	resp, err := coord.Execute(ctx, testRequest("k", `{}`), opaque)
	require.NoError(t, err)
	require.Equal(t, StatusNew, resp.Headers[HeaderStatus])

	_, err = coord.Execute(ctx, testRequest("k", `{}`), opaque)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load(), "opaque responses pass through but are never persisted")
}

func TestExecuteTTLExpiryReExecutes(t *testing.T) {
	opts := testOptions()
	opts.TTL = 50 * time.Millisecond
	coord := New(storage.NewMemory(), opts, testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	handler := countingHandler(&calls, `{"ok":true}`)
	req := testRequest("k", `{}`)

	_, err := coord.Execute(ctx, req, handler)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	resp, err := coord.Execute(ctx, req, handler)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load(), "expired records must be treated as absent")
	require.Equal(t, StatusNew, resp.Headers[HeaderStatus])
}

func TestExecuteSingleExecutionUnderConcurrency(t *testing.T) {
	opts := testOptions()
	opts.WaitTimeout = 5 * time.Second
	coord := New(storage.NewMemory(), opts, testLogger())
	ctx := context.Background()

	var calls atomic.Int32
	slow := func(context.Context) (*Response, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"id":"once"}`),
			JSONBody:   true,
		}, nil
	}

	type result struct {
		resp *Response
		err  error
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := coord.Execute(ctx, testRequest("contested", `{}`), slow)
			results <- result{resp: resp, err: err}
		}()
	}
	wg.Wait()
	close(results)

	require.Equal(t, int32(1), calls.Load(), "exactly one caller may execute the handler")
	for got := range results {
		require.NoError(t, got.err)
		require.Equal(t, 200, got.resp.StatusCode)
		require.JSONEq(t, `{"id":"once"}`, string(got.resp.Body))
	}
}

// flakyBackend fails selected operations while delegating the rest.
type flakyBackend struct {
	storage.Backend
	failGet bool
	failSet bool
}

func (f *flakyBackend) Get(ctx context.Context, key string) (*storage.Record, error) {
	if f.failGet {
		return nil, errors.New("backend unavailable")
	}
	return f.Backend.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	if f.failSet {
		return errors.New("backend unavailable")
	}
	return f.Backend.Set(ctx, key, rec, ttl)
}
