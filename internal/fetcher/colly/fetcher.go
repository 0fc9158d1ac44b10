// Package collyfetcher implements crawler.FetchEngine over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/fetcher"
)

// Fetcher implements crawler.FetchEngine using the Colly collector. Clones share the cookie jar,
// so a session established by Login carries over to every page fetch.
type Fetcher struct {
	cfg           fetcher.Config
	baseCollector *colly.Collector

	mu     sync.Mutex
	closed bool
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg fetcher.Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newRetryTransport(newHTTPTransport()))
	c.SetRequestTimeout(cfg.NavTimeoutOrDefault())
	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// Login posts the credentials to the login form and checks for the logged-in marker.
func (f *Fetcher) Login(ctx context.Context, username, password string) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if f.cfg.LoginURL == "" {
		return nil
	}
	collector := f.baseCollector.Clone()
	var (
		loggedIn bool
		loginErr error
	)
	if f.cfg.LoggedInSelector != "" {
		collector.OnHTML(f.cfg.LoggedInSelector, func(*colly.HTMLElement) { loggedIn = true })
	} else {
		collector.OnResponse(func(*colly.Response) { loggedIn = true })
	}
	collector.OnError(func(_ *colly.Response, err error) { loginErr = err })

	form := map[string]string{
		f.cfg.UsernameField: username,
		f.cfg.PasswordField: password,
	}
	err := runWithContext(ctx, func() error { return collector.Post(f.cfg.LoginURL, form) })
	switch {
	case err != nil:
		return fmt.Errorf("colly login: %w", err)
	case loginErr != nil:
		return fmt.Errorf("colly login response: %w", loginErr)
	case !loggedIn:
		return errors.New("colly login: logged-in marker not found")
	}
	return nil
}

// Fetch downloads every configured page variant of targetID. Pages fetched before a failure are
// returned as the partial payload of the error.
func (f *Fetcher) Fetch(ctx context.Context, targetID string) (crawler.Payload, error) {
	if err := f.checkOpen(); err != nil {
		return nil, crawler.NewEngineFatal(err, nil)
	}
	payload := crawler.Payload{}
	for _, key := range f.cfg.VariantKeys() {
		pageURL, err := f.cfg.VariantURL(key, targetID)
		if err != nil {
			return nil, crawler.NewTargetError(err, nil)
		}
		body, err := f.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, crawler.NewTargetError(fmt.Errorf("fetch %s: %w", key, err), partial(payload))
		}
		payload[key] = body
	}
	return payload, nil
}

// Close makes later calls fail as engine-fatal.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fetcher) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fetcher.ErrClosed
	}
	return nil
}

func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	collector := f.baseCollector.Clone()
	var (
		body     []byte
		fetchErr error
	)
	configureCollectorHooks(collector, &body, &fetchErr)
	if err := runWithContext(ctx, func() error { return collector.Visit(pageURL) }); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("colly response failed: %w", fetchErr)
	}
	return body, nil
}

func configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func partial(p crawler.Payload) crawler.Payload {
	if len(p) == 0 {
		return nil
	}
	return p
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
