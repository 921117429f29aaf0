package scraper

import (
	"context"

	"hotel_sweeper/models"
)

// Fetcher executes property searches. The production implementation is
// the browser-backed search client; tests substitute a synthetic one.
type Fetcher interface {
	FetchProperties(ctx context.Context, params models.SearchParams) (*models.SearchResults, error)
}

// Session owns the authenticated transport a sweep runs on. Rebuild
// discards any current transport and authenticates a fresh one.
type Session interface {
	Rebuild(ctx context.Context) (Fetcher, error)
	Close(ctx context.Context) error
}
