package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/smallbiznis/storefront/internal/clock"
)

type AdapterConfig struct {
	Provider string
	// Secrets are tried in order; rotation keeps the previous secret valid.
	Secrets   []string
	Verify    bool
	Tolerance time.Duration
	Clock     clock.Clock
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// Adapter verifies and decodes one provider's webhook deliveries.
type Adapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte, headers http.Header) (*Envelope, error)
}
