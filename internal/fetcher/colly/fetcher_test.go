package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/fetcher"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "text/html")
		if r.PostForm.Get("email") != "crawler@example.com" || r.PostForm.Get("pass") != "secret" {
			fmt.Fprint(w, `<html><body><form id="login"></form></body></html>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
		fmt.Fprint(w, `<html><body><nav id="home"></nav></body></html>`)
	})
	mux.HandleFunc("/u/", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "ok" {
			http.Error(w, "login required", http.StatusForbidden)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/u/"), "/")
		if parts[0] == "broken" && len(parts) > 1 && parts[1] == "posts" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body data-page=%q></body></html>`, r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(t *testing.T, base string) *Fetcher {
	t.Helper()
	f, err := New(fetcher.Config{
		BaseURL:          base,
		LoginURL:         base + "/login",
		Variants:         map[string]string{"about": "/u/%s/about", "posts": "/u/%s/posts"},
		UsernameField:    "email",
		PasswordField:    "pass",
		LoggedInSelector: "#home",
		NavTimeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return f
}

func TestLoginThenFetchVariants(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newFetcher(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, f.Login(ctx, "crawler@example.com", "secret"))

	payload, err := f.Fetch(ctx, "jane")
	require.NoError(t, err)
	assert.Equal(t, []string{"about", "posts"}, payload.Keys())
	assert.Contains(t, string(payload["about"]), "/u/jane/about")
	assert.Contains(t, string(payload["posts"]), "/u/jane/posts")
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newFetcher(t, srv.URL)
	assert.Error(t, f.Login(context.Background(), "crawler@example.com", "wrong"))
}

func TestFetchFailureCarriesPartialPayload(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newFetcher(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, f.Login(ctx, "crawler@example.com", "secret"))

	_, err := f.Fetch(ctx, "broken")
	require.Error(t, err)
	kind, partial := crawler.ClassifyFetchError(err)
	assert.Equal(t, crawler.FetchTargetFailed, kind)
	assert.Equal(t, []string{"about"}, partial.Keys())
}

func TestFetchWithoutSessionFails(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newFetcher(t, srv.URL)

	_, err := f.Fetch(context.Background(), "jane")
	require.Error(t, err)
	kind, partial := crawler.ClassifyFetchError(err)
	assert.Equal(t, crawler.FetchTargetFailed, kind)
	assert.Nil(t, partial)
}

func TestClosedFetcherIsEngineFatal(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newFetcher(t, srv.URL)
	require.NoError(t, f.Close())

	_, err := f.Fetch(context.Background(), "jane")
	kind, _ := crawler.ClassifyFetchError(err)
	assert.Equal(t, crawler.FetchEngineFatal, kind)
	assert.ErrorIs(t, err, fetcher.ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(fetcher.Config{BaseURL: "https://example.com"})
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type flakyTransport struct {
	failures int
	err      error
	calls    int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func TestRetryTransport(t *testing.T) {
	t.Parallel()

	newReq := func(method string) *http.Request {
		return httptest.NewRequest(method, "https://example.com/u/jane", nil)
	}

	flaky := &flakyTransport{failures: 2, err: timeoutErr{}}
	rt := &retryTransport{base: flaky, backoff: []time.Duration{0, 0, 0}}
	resp, err := rt.RoundTrip(newReq(http.MethodGet))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, flaky.calls)

	hard := &flakyTransport{failures: 5, err: errors.New("connection refused")}
	rt = &retryTransport{base: hard, backoff: []time.Duration{0, 0, 0}}
	_, err = rt.RoundTrip(newReq(http.MethodGet))
	assert.Error(t, err)
	assert.Equal(t, 1, hard.calls)

	post := &flakyTransport{failures: 1, err: timeoutErr{}}
	rt = &retryTransport{base: post, backoff: []time.Duration{0, 0, 0}}
	_, err = rt.RoundTrip(newReq(http.MethodPost))
	assert.Error(t, err)
	assert.Equal(t, 1, post.calls)
}
