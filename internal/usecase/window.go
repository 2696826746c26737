package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"message-debouncer/internal/integrations/paramstore"
	"message-debouncer/internal/queue"
)

const (
	DefaultWindow = 10 * time.Second

	windowParam = "debounce_seconds"
)

// TenantSettings reads per-tenant configuration.
type TenantSettings interface {
	TenantSeconds(ctx context.Context, tenantID, name string) (time.Duration, error)
}

// WindowResolver returns the debounce window for a tenant. Tenants may
// override the process default with their debounce_seconds setting. Resolved
// values, including "no override", are cached for the process lifetime.
type WindowResolver struct {
	settings TenantSettings
	def      time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]time.Duration
}

// NewWindowResolver creates a resolver. Nil settings disable per-tenant
// overrides.
func NewWindowResolver(settings TenantSettings, def time.Duration, logger *slog.Logger) (*WindowResolver, error) {
	if def <= 0 {
		def = DefaultWindow
	}
	if def > queue.MaxDelay {
		return nil, errors.New("usecase: default debounce window exceeds queue delay limit")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowResolver{
		settings: settings,
		def:      def,
		logger:   logger,
		cache:    make(map[string]time.Duration),
	}, nil
}

// Default is the window used when a tenant has no override.
func (r *WindowResolver) Default() time.Duration {
	return r.def
}

func (r *WindowResolver) Window(ctx context.Context, tenantID string) time.Duration {
	if r.settings == nil {
		return r.def
	}

	r.mu.RLock()
	w, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok {
		return w
	}

	w, err := r.settings.TenantSeconds(ctx, tenantID, windowParam)
	switch {
	case errors.Is(err, paramstore.ErrNotFound):
		w = r.def
	case errors.Is(err, paramstore.ErrInvalidValue):
		r.logger.Warn("invalid debounce window override, using default", "tenant", tenantID, "err", err)
		w = r.def
	case err != nil:
		// Not cached: the next message retries the lookup.
		r.logger.Warn("debounce window lookup failed, using default", "tenant", tenantID, "err", err)
		return r.def
	case w > queue.MaxDelay:
		r.logger.Warn("debounce window override exceeds queue delay limit, using default", "tenant", tenantID, "window", w.String())
		w = r.def
	}

	r.mu.Lock()
	r.cache[tenantID] = w
	r.mu.Unlock()
	return w
}
