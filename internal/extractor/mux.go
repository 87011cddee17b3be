package extractor

import (
	"context"
	"fmt"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// Mux routes each source to the extractor its mode asks for.
type Mux struct {
	headless poller.Extractor
	static   poller.Extractor
}

// NewMux constructs a Mux. Either extractor may be nil; a source routed to a
// missing extractor fails its run with an explicit error.
func NewMux(headless, static poller.Extractor) *Mux {
	return &Mux{headless: headless, static: static}
}

// Extract dispatches on src.Mode. Unset mode defaults to headless.
func (m *Mux) Extract(ctx context.Context, src poller.Source) (poller.ExtractResult, error) {
	switch src.Mode {
	case poller.ModeStatic:
		if m.static == nil {
			return poller.ExtractResult{}, fmt.Errorf("static extractor not configured")
		}
		return m.static.Extract(ctx, src)
	case poller.ModeHeadless, "":
		if m.headless == nil {
			return poller.ExtractResult{}, fmt.Errorf("headless extractor not configured")
		}
		return m.headless.Extract(ctx, src)
	default:
		return poller.ExtractResult{}, fmt.Errorf("unknown extract mode %q", src.Mode)
	}
}
