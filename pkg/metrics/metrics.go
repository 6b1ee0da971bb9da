// Package metrics exposes the Prometheus registry used by the asset sync.
// Metrics are declared with promauto next to the code that records them
// (auth, client, assetsync, storage, lock); this package serves them and
// documents what exists.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler that serves the default gatherer, which
// is where every package's promauto metrics are registered.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Auth Metrics (pkg/auth):
//   - crm_auth_requests_total{result} (Counter): token requests by result (success, rejected, error)
//   - crm_auth_refreshes_total (Counter): re-authentications triggered by credential expiry
//
// Request Metrics (pkg/client):
//   - crm_requests_total{endpoint, status} (Counter): asset API requests by endpoint and HTTP status
//   - crm_request_duration_seconds{endpoint} (Histogram): asset API request duration
//   - crm_errors_total{class} (Counter): errors by class (auth, client, server, network, decode)
//
// Sync Metrics (pkg/assetsync):
//   - asset_sync_pages_total (Counter): asset list pages processed
//   - asset_sync_assets_total{outcome} (Counter): assets by outcome (written, duplicate)
//   - asset_sync_runs_total{result} (Counter): FetchAll runs by result (success, failure)
//
// Storage Metrics (pkg/storage):
//   - asset_storage_bytes_written_total (Counter): content bytes persisted
//   - asset_storage_errors_total{operation} (Counter): failed storage operations
//
// Lock Metrics (pkg/lock):
//   - asset_lock_attempts_total{result} (Counter): run lock attempts (acquired, contended, error)
//
// Example Prometheus Queries:
//
//   # Assets written per run
//   increase(asset_sync_assets_total{outcome="written"}[1h])
//
//   # Asset API error rate
//   rate(crm_errors_total[5m])
//
//   # P95 asset page latency
//   histogram_quantile(0.95, rate(crm_request_duration_seconds_bucket[5m]))
