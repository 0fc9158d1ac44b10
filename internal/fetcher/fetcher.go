// Package fetcher holds the target-site layout shared by the client fetch engines.
package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrClosed is returned by engines used after Close.
var ErrClosed = errors.New("fetch engine closed")

// Config describes how profile pages are located on the target site and how to log in.
type Config struct {
	BaseURL  string
	LoginURL string
	// Variants maps a payload key to a path template taking the target id, e.g. "/%s/about".
	Variants         map[string]string
	UserAgent        string
	UsernameField    string
	PasswordField    string
	SubmitSelector   string
	LoggedInSelector string
	NavTimeout       time.Duration
	ScrollRounds     int
	Headless         bool
}

// Validate checks that pages can be addressed.
func (c Config) Validate() error {
	if _, err := url.Parse(c.BaseURL); err != nil || c.BaseURL == "" {
		return fmt.Errorf("fetch: base url %q is invalid", c.BaseURL)
	}
	if len(c.Variants) == 0 {
		return errors.New("fetch: at least one page variant is required")
	}
	for key, tmpl := range c.Variants {
		if strings.TrimSpace(key) == "" {
			return errors.New("fetch: variant key must not be empty")
		}
		if strings.Count(tmpl, "%s") != 1 {
			return fmt.Errorf("fetch: variant %q must contain exactly one %%s", key)
		}
	}
	return nil
}

// VariantKeys returns the payload keys in fetch order.
func (c Config) VariantKeys() []string {
	keys := make([]string, 0, len(c.Variants))
	for k := range c.Variants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// VariantURL returns the absolute URL of one variant page for targetID.
func (c Config) VariantURL(key, targetID string) (string, error) {
	tmpl, ok := c.Variants[key]
	if !ok {
		return "", fmt.Errorf("fetch: unknown variant %q", key)
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("fetch: parse base url: %w", err)
	}
	ref, err := url.Parse(fmt.Sprintf(tmpl, url.PathEscape(targetID)))
	if err != nil {
		return "", fmt.Errorf("fetch: build %s url: %w", key, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// NavTimeoutOrDefault returns the per-page timeout.
func (c Config) NavTimeoutOrDefault() time.Duration {
	if c.NavTimeout > 0 {
		return c.NavTimeout
	}
	return 30 * time.Second
}
