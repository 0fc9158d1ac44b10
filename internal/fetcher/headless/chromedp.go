// Package headless implements crawler.FetchEngine by driving a real browser through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/fetcher"
)

// Fetcher implements crawler.FetchEngine using one headless Chrome instance. All pages are
// rendered in the same browser so the login session is shared.
type Fetcher struct {
	cfg           fetcher.Config
	allocCancel   context.CancelFunc
	browser       context.Context
	browserCancel context.CancelFunc
}

// New creates a browser-backed fetcher. Chrome is started lazily by the first action.
func New(cfg fetcher.Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browser, browserCancel := chromedp.NewContext(allocCtx)

	return &Fetcher{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browser:       browser,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.browserCancel()
	f.allocCancel()
	return nil
}

// Login fills in the login form and waits for the logged-in marker.
func (f *Fetcher) Login(ctx context.Context, username, password string) error {
	if f.cfg.LoginURL == "" {
		return nil
	}
	runCtx, cancel := f.actionContext(ctx)
	defer cancel()

	userSel := fmt.Sprintf(`input[name=%q]`, f.cfg.UsernameField)
	passSel := fmt.Sprintf(`input[name=%q]`, f.cfg.PasswordField)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(f.cfg.LoginURL),
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SendKeys(userSel, username, chromedp.ByQuery),
		chromedp.SendKeys(passSel, password, chromedp.ByQuery),
		chromedp.Click(f.cfg.SubmitSelector, chromedp.ByQuery),
	}
	if f.cfg.LoggedInSelector != "" {
		actions = append(actions, chromedp.WaitVisible(f.cfg.LoggedInSelector, chromedp.ByQuery))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("headless login: %w", err)
	}
	return nil
}

// Fetch renders every configured page variant of targetID. A dead browser is reported as
// engine-fatal; anything else is a per-target failure carrying the pages gathered so far.
func (f *Fetcher) Fetch(ctx context.Context, targetID string) (crawler.Payload, error) {
	if err := f.browser.Err(); err != nil {
		return nil, crawler.NewEngineFatal(fmt.Errorf("%w: %w", fetcher.ErrClosed, err), nil)
	}
	payload := crawler.Payload{}
	for _, key := range f.cfg.VariantKeys() {
		pageURL, err := f.cfg.VariantURL(key, targetID)
		if err != nil {
			return nil, crawler.NewTargetError(err, nil)
		}
		html, err := f.renderPage(ctx, pageURL)
		if err != nil {
			if html != "" {
				payload[key] = []byte(html)
			}
			return nil, classify(fmt.Errorf("render %s: %w", key, err), f.browser.Err(), payload)
		}
		payload[key] = []byte(html)
	}
	return payload, nil
}

// renderPage returns whatever markup it managed to read, even on error.
func (f *Fetcher) renderPage(ctx context.Context, pageURL string) (string, error) {
	runCtx, cancel := f.actionContext(ctx)
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(runCtx, meta.captureEvent)

	var html string
	err := chromedp.Run(runCtx,
		f.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		scrollAction(f.cfg.ScrollRounds, 500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err == nil {
		if status := meta.statusCode(); status >= http.StatusBadRequest {
			return html, fmt.Errorf("page %s returned status %d", pageURL, status)
		}
		return html, nil
	}
	if html == "" && f.browser.Err() == nil {
		html = f.salvage()
	}
	return html, err
}

// salvage reads the current document after a failed render.
func (f *Fetcher) salvage() string {
	ctx, cancel := context.WithTimeout(f.browser, 2*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return ""
	}
	return html
}

// actionContext derives a bounded browser context that also ends when ctx does.
func (f *Fetcher) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(f.browser, f.cfg.NavTimeoutOrDefault())
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// scrollAction scrolls to the bottom rounds times so lazily loaded posts render.
func scrollAction(rounds int, pause time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for i := 0; i < rounds; i++ {
			if err := chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil).Do(ctx); err != nil {
				return fmt.Errorf("scroll round %d: %w", i+1, err)
			}
			if err := chromedp.Sleep(pause).Do(ctx); err != nil {
				return fmt.Errorf("scroll pause: %w", err)
			}
		}
		return nil
	})
}

// classify maps a render failure onto a fetch error kind. browserErr is the browser context's
// error at the time of the failure.
func classify(err, browserErr error, partial crawler.Payload) *crawler.FetchError {
	if len(partial) == 0 {
		partial = nil
	}
	switch {
	case browserErr != nil,
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidContext):
		return crawler.NewEngineFatal(err, partial)
	default:
		return crawler.NewTargetError(err, partial)
	}
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
