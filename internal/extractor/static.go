package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// StaticConfig controls the colly extractor.
type StaticConfig struct {
	UserAgent      string
	DefaultTimeout time.Duration
}

const defaultStaticTimeout = 15 * time.Second

// Static extracts fields from server-rendered pages with a plain HTTP fetch.
// Sources that do not need JavaScript should prefer it over the headless
// extractor; it is far cheaper per run.
type Static struct {
	cfg StaticConfig
}

// NewStatic creates a colly-backed extractor.
func NewStatic(cfg StaticConfig) *Static {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultStaticTimeout
	}
	return &Static{cfg: cfg}
}

// Extract fetches the source URL once and reads each declared field out of
// the response document. A fresh collector per run keeps callbacks from
// accumulating across sources.
func (s *Static) Extract(ctx context.Context, src poller.Source) (poller.ExtractResult, error) {
	c := colly.NewCollector(
		colly.UserAgent(s.cfg.UserAgent),
		colly.MaxDepth(1),
	)
	c.SetRequestTimeout(s.timeout(src))

	var (
		mu       sync.Mutex
		raw      = make(map[string]string, len(src.Fields))
		html     []byte
		finalURL string
		fetchErr error
	)

	for _, field := range src.Fields {
		field := field
		c.OnHTML(field.Selector, func(e *colly.HTMLElement) {
			mu.Lock()
			defer mu.Unlock()
			if _, seen := raw[field.Name]; seen {
				return
			}
			if field.Attr != "" {
				raw[field.Name] = e.Attr(field.Attr)
				return
			}
			raw[field.Name] = e.Text
		})
	}

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		html = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})

	c.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		fetchErr = err
	})

	if err := ctx.Err(); err != nil {
		return poller.ExtractResult{}, fmt.Errorf("static extract canceled: %w", err)
	}

	start := time.Now()
	if err := c.Visit(src.URL); err != nil {
		return poller.ExtractResult{}, fmt.Errorf("visit %s: %w", src.URL, err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return poller.ExtractResult{}, fmt.Errorf("fetch %s: %w", src.URL, fetchErr)
	}

	return poller.ExtractResult{
		Raw:      raw,
		HTML:     html,
		FinalURL: finalURL,
		Duration: time.Since(start),
	}, nil
}

func (s *Static) timeout(src poller.Source) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	return s.cfg.DefaultTimeout
}
