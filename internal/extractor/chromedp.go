// Package extractor implements the field extraction collaborators.
package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// HeadlessConfig controls the chromedp extractor.
type HeadlessConfig struct {
	// MaxParallel bounds simultaneous browser tabs; 0 means unbounded.
	MaxParallel    int
	UserAgent      string
	DefaultTimeout time.Duration
}

const defaultNavTimeout = 45 * time.Second

// Headless extracts fields with a headless Chrome instance. One exec
// allocator is created lazily and shared; each run gets its own isolated
// browser context plus timeout, so concurrent runs under the scheduler cap
// never share page state.
type Headless struct {
	cfg         HeadlessConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewHeadless creates a chromedp-backed extractor.
func NewHeadless(cfg HeadlessConfig) (*Headless, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Headless{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting the browser down.
func (h *Headless) Close() {
	h.allocCancel()
}

// Extract navigates to the source URL and pulls each declared field from the
// rendered DOM.
func (h *Headless) Extract(ctx context.Context, src poller.Source) (poller.ExtractResult, error) {
	if err := h.acquire(ctx); err != nil {
		return poller.ExtractResult{}, err
	}
	defer h.release()

	taskCtx, taskCancel := chromedp.NewContext(h.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, h.timeout(src))
	defer cancel()

	start := time.Now()
	raw := make(map[string]string, len(src.Fields))
	var (
		html     string
		finalURL string
	)

	actions := []chromedp.Action{
		h.networkSetupAction(),
		chromedp.Navigate(src.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
	}
	values := make([]string, len(src.Fields))
	for i, field := range src.Fields {
		actions = append(actions, chromedp.Evaluate(fieldExpr(field), &values[i]))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return poller.ExtractResult{}, fmt.Errorf("chromedp run: %w", err)
	}
	for i, field := range src.Fields {
		raw[field.Name] = values[i]
	}

	return poller.ExtractResult{
		Raw:      raw,
		HTML:     []byte(html),
		FinalURL: finalURL,
		Duration: time.Since(start),
	}, nil
}

// fieldExpr builds the in-page expression for one field. A missing element
// yields an empty string; required-field enforcement happens in validation,
// not here.
func fieldExpr(field poller.FieldSpec) string {
	if field.Attr != "" {
		return fmt.Sprintf(
			`(() => { const el = document.querySelector(%q); return el ? (el.getAttribute(%q) || "") : ""; })()`,
			field.Selector, field.Attr,
		)
	}
	return fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); return el ? el.textContent.trim() : ""; })()`,
		field.Selector,
	)
}

func (h *Headless) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if h.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (h *Headless) timeout(src poller.Source) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	return h.cfg.DefaultTimeout
}

func (h *Headless) acquire(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	select {
	case h.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (h *Headless) release() {
	if h.limiter == nil {
		return
	}
	select {
	case <-h.limiter:
	default:
	}
}
