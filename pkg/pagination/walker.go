package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrPageLimit is returned when the walk reaches Config.MaxPages without
// seeing a short page.
var ErrPageLimit = errors.New("page limit reached")

// Config holds walker configuration
type Config struct {
	// PageSize is requested from the server and is also the threshold: a
	// page reporting a smaller size ends the walk.
	PageSize int
	// MaxPages caps the walk
	MaxPages int
	// Timeout per page fetch
	Timeout time.Duration
}

// DefaultConfig returns the defaults used against the CRM asset list.
func DefaultConfig() Config {
	return Config{
		PageSize: 50,
		MaxPages: 10000,
		Timeout:  60 * time.Second,
	}
}

// PageInfo is what the walker needs to know about a fetched page.
type PageInfo struct {
	// Size is the page size reported by the server.
	Size int
	// Items is the number of items actually returned.
	Items int
}

// PageFetcher fetches and processes a single page.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int, pageSize int) (PageInfo, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, page int, pageSize int) (PageInfo, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, page int, pageSize int) (PageInfo, error) {
	return f(ctx, page, pageSize)
}

// PageError reports which page aborted a walk.
type PageError struct {
	Page int
	Err  error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Walker requests pages sequentially until the last one.
type Walker struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewWalker creates a walker, filling zero config fields with defaults.
func NewWalker(fetcher PageFetcher, config Config, logger zerolog.Logger) *Walker {
	defaults := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.MaxPages <= 0 {
		config.MaxPages = defaults.MaxPages
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &Walker{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (w *Walker) Config() Config {
	return w.config
}

// Walk fetches pages starting at 1 and returns how many pages were fetched.
func (w *Walker) Walk(ctx context.Context) (int, error) {
	start := time.Now()
	fetched := 0

	for page := 1; ; page++ {
		if fetched >= w.config.MaxPages {
			return fetched, fmt.Errorf("%w: stopped after %d pages", ErrPageLimit, fetched)
		}

		if err := ctx.Err(); err != nil {
			return fetched, &PageError{Page: page, Err: err}
		}

		pageCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		info, err := w.fetcher.FetchPage(pageCtx, page, w.config.PageSize)
		cancel()

		if err != nil {
			return fetched, &PageError{Page: page, Err: err}
		}
		fetched++

		if info.Size < w.config.PageSize {
			w.logger.Debug().
				Int("page", page).
				Int("reported_size", info.Size).
				Dur("duration", time.Since(start)).
				Msg("Last page reached")
			return fetched, nil
		}

		if info.Items == 0 {
			w.logger.Warn().
				Int("page", page).
				Int("reported_size", info.Size).
				Msg("Page reported full but carried no items, stopping")
			return fetched, nil
		}
	}
}
