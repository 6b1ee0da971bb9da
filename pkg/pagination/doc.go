// Package pagination walks a paginated list endpoint one page at a time.
//
// The CRM asset list does not report a total page count. A page whose
// reported size is below the configured page size is the last one, so the
// walker requests pages 1, 2, 3, ... sequentially until that happens.
//
// Example usage:
//
//	walker := pagination.NewWalker(pagination.PageFetcherFunc(fetchPage), pagination.DefaultConfig(), logger)
//	pages, err := walker.Walk(ctx)
//
// The walker:
//   - Uses an explicit page counter instead of recursion
//   - Bounds each page with its own timeout
//   - Aborts on the first failing page with a *PageError naming it
//   - Refuses to run past MaxPages and returns ErrPageLimit there
//
// A page that reports a full page size but carries no items also ends the
// walk. The reported size alone would ask for the next page, so a server
// that pads its page size past the end of the list would otherwise be walked
// until MaxPages. Data on pages after such an empty page is not fetched.
package pagination
