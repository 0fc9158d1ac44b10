// Package extract turns raw profile captures into structured profiles using CSS selectors.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// ErrEmptyCapture is returned for captures with no content.
var ErrEmptyCapture = errors.New("capture has no content")

// Selectors locate profile data in captured pages.
type Selectors struct {
	Name   string
	Friend string
	// FriendAttr holds the friend's profile id on elements matched by Friend.
	FriendAttr string
	Field      string
	// FieldAttr names the field on elements matched by Field. The element text is the value.
	FieldAttr string
	// Text selects free text used for language detection.
	Text string
}

// Extractor implements crawler.Extractor over HTML payload variants.
type Extractor struct {
	sel      Selectors
	detector LanguageDetector
}

// New constructs an Extractor. detector may be nil, which leaves Profile.Language empty.
func New(sel Selectors, detector LanguageDetector) (*Extractor, error) {
	if sel.Friend == "" || sel.FriendAttr == "" {
		return nil, errors.New("extract: friend selector and attribute are required")
	}
	return &Extractor{sel: sel, detector: detector}, nil
}

// Extract parses every payload variant in key order. The first non-empty name wins. Fields from
// later variants do not overwrite earlier ones.
func (e *Extractor) Extract(ctx context.Context, rec crawler.CaptureRecord) (crawler.Profile, error) {
	if rec.Payload.Size() == 0 {
		return crawler.Profile{}, fmt.Errorf("extract %s: %w", rec.TargetID, ErrEmptyCapture)
	}
	profile := crawler.Profile{
		ID:         rec.TargetID,
		CapturedAt: rec.CapturedAt,
		Fields:     map[string]string{},
	}
	var text strings.Builder
	for _, key := range rec.Payload.Keys() {
		if err := ctx.Err(); err != nil {
			return crawler.Profile{}, fmt.Errorf("extract %s: %w", rec.TargetID, err)
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rec.Payload[key]))
		if err != nil {
			return crawler.Profile{}, fmt.Errorf("parse %s/%s: %w", rec.TargetID, key, err)
		}
		e.collect(doc, &profile, &text)
	}
	if e.detector != nil {
		profile.Language = e.detector.Detect(text.String())
	}
	if len(profile.Fields) == 0 {
		profile.Fields = nil
	}
	return profile, nil
}

func (e *Extractor) collect(doc *goquery.Document, p *crawler.Profile, text *strings.Builder) {
	if p.Name == "" && e.sel.Name != "" {
		p.Name = squash(doc.Find(e.sel.Name).First().Text())
	}

	doc.Find(e.sel.Friend).Each(func(_ int, s *goquery.Selection) {
		id, ok := s.Attr(e.sel.FriendAttr)
		if !ok || strings.TrimSpace(id) == "" {
			return
		}
		p.Friends = append(p.Friends, crawler.ProfileRef{ID: strings.TrimSpace(id), Name: squash(s.Text())})
	})

	if e.sel.Field != "" && e.sel.FieldAttr != "" {
		doc.Find(e.sel.Field).Each(func(_ int, s *goquery.Selection) {
			name, ok := s.Attr(e.sel.FieldAttr)
			if !ok || name == "" {
				return
			}
			if _, exists := p.Fields[name]; !exists {
				p.Fields[name] = squash(s.Text())
			}
		})
	}

	if e.sel.Text != "" {
		doc.Find(e.sel.Text).Each(func(_ int, s *goquery.Selection) {
			if t := squash(s.Text()); t != "" {
				text.WriteString(t)
				text.WriteByte('\n')
			}
		})
	}
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
