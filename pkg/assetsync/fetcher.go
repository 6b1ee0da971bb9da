// Package assetsync walks the CRM asset list and persists every asset not
// yet seen by this Fetcher.
package assetsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fritsvt/salesforce-test/pkg/auth"
	"github.com/fritsvt/salesforce-test/pkg/client"
	"github.com/fritsvt/salesforce-test/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	syncPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asset_sync_pages_total",
		Help: "Total asset list pages processed",
	})

	syncAssetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asset_sync_assets_total",
		Help: "Total assets seen by outcome",
	}, []string{"outcome"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asset_sync_runs_total",
		Help: "Total sync runs by result",
	}, []string{"result"})
)

var (
	// ErrAssetListRequestFailed wraps failures of the asset list request.
	ErrAssetListRequestFailed = errors.New("asset list request failed")
)

// Authenticator hands out a credential that is valid for the next request.
type Authenticator interface {
	EnsureFresh(ctx context.Context) (auth.Credential, error)
}

// AssetQuerier fetches one page of the asset list.
type AssetQuerier interface {
	QueryAssets(ctx context.Context, cred auth.Credential, page, pageSize int) (*client.AssetPage, error)
}

// AssetStore persists one asset and returns where it was written.
type AssetStore interface {
	Persist(id int64, name, content string) (string, error)
}

// Result summarises one FetchAll run.
type Result struct {
	Pages    int
	Seen     int
	Written  int
	Skipped  int
	Duration time.Duration
}

// Fetcher owns the set of asset ids persisted during its lifetime. It is
// not safe for concurrent use.
type Fetcher struct {
	session Authenticator
	assets  AssetQuerier
	store   AssetStore
	config  pagination.Config
	seen    map[int64]struct{}
	logger  zerolog.Logger
}

// New creates a Fetcher with an empty seen set.
func New(session Authenticator, assets AssetQuerier, store AssetStore, config pagination.Config, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		session: session,
		assets:  assets,
		store:   store,
		config:  config,
		seen:    make(map[int64]struct{}),
		logger:  logger.With().Str("component", "assetsync").Logger(),
	}
}

// Seen reports whether the asset id was persisted by this Fetcher.
func (f *Fetcher) Seen(id int64) bool {
	_, ok := f.seen[id]
	return ok
}

// SeenCount returns the number of distinct asset ids persisted so far.
func (f *Fetcher) SeenCount() int {
	return len(f.seen)
}

// FetchAll walks every page of the asset list. The first failing page
// aborts the run; the returned error is a *pagination.PageError naming it.
func (f *Fetcher) FetchAll(ctx context.Context) (Result, error) {
	start := time.Now()
	var result Result

	fetchPage := func(ctx context.Context, page, pageSize int) (pagination.PageInfo, error) {
		return f.fetchPage(ctx, page, pageSize, &result)
	}

	walker := pagination.NewWalker(pagination.PageFetcherFunc(fetchPage), f.config, f.logger)
	pages, err := walker.Walk(ctx)

	result.Pages = pages
	result.Duration = time.Since(start)

	if err != nil {
		syncRunsTotal.WithLabelValues("failure").Inc()
		f.logger.Error().
			Err(err).
			Int("pages", result.Pages).
			Int("written", result.Written).
			Msg("Asset sync aborted")
		return result, fmt.Errorf("fetch assets: %w", err)
	}

	syncRunsTotal.WithLabelValues("success").Inc()
	f.logger.Info().
		Int("pages", result.Pages).
		Int("seen", result.Seen).
		Int("written", result.Written).
		Int("skipped", result.Skipped).
		Dur("duration", result.Duration).
		Msg("Asset sync complete")

	return result, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, page, pageSize int, result *Result) (pagination.PageInfo, error) {
	cred, err := f.session.EnsureFresh(ctx)
	if err != nil {
		return pagination.PageInfo{}, fmt.Errorf("refresh credential: %w", err)
	}

	assetPage, err := f.assets.QueryAssets(ctx, cred, page, pageSize)
	if err != nil {
		return pagination.PageInfo{}, fmt.Errorf("%w: %w", ErrAssetListRequestFailed, err)
	}

	for _, asset := range assetPage.Items {
		result.Seen++

		if f.Seen(asset.ID) {
			result.Skipped++
			syncAssetsTotal.WithLabelValues("duplicate").Inc()
			f.logger.Debug().Int64("asset_id", asset.ID).Int("page", page).Msg("Asset already persisted, skipping")
			continue
		}

		f.seen[asset.ID] = struct{}{}

		path, err := f.store.Persist(asset.ID, asset.Name, asset.Content)
		if err != nil {
			return pagination.PageInfo{}, err
		}

		result.Written++
		syncAssetsTotal.WithLabelValues("written").Inc()
		f.logger.Info().
			Int64("asset_id", asset.ID).
			Str("path", path).
			Msg("Asset written")
	}

	syncPagesTotal.Inc()
	f.logger.Debug().
		Int("page", page).
		Int("items", len(assetPage.Items)).
		Int("reported_size", assetPage.PageSize).
		Msg("Page processed")

	return pagination.PageInfo{Size: assetPage.PageSize, Items: len(assetPage.Items)}, nil
}
