package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hotel_sweeper/config"
	"hotel_sweeper/models"
	"hotel_sweeper/search"
	"hotel_sweeper/storage"
)

type fetchResult struct {
	results *models.SearchResults
	err     error
}

// scriptedFetcher replays a fixed sequence of responses, repeating the
// last entry once the script runs out.
type scriptedFetcher struct {
	calls  int
	script []fetchResult
}

func (f *scriptedFetcher) FetchProperties(ctx context.Context, params models.SearchParams) (*models.SearchResults, error) {
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	step := f.script[idx]
	return step.results, step.err
}

type fakeSession struct {
	rebuilds int
	closes   int
	fetchers []Fetcher
	err      error
}

func (s *fakeSession) Rebuild(ctx context.Context) (Fetcher, error) {
	s.rebuilds++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.rebuilds - 1
	if idx >= len(s.fetchers) {
		idx = len(s.fetchers) - 1
	}
	return s.fetchers[idx], nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closes++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Search: config.SearchConfig{
			Nights:       3,
			Adults:       2,
			LocationName: "Rome, Italy",
			LocationID:   "178274",
			Latitude:     41.9028,
			Longitude:    12.4964,
		},
		Sweep: config.SweepConfig{
			Priority:               config.PrioritySweepFirst,
			DestinationPause:       time.Millisecond,
			ResumeCompleted:        true,
			MaxConsecutiveFailures: 3,
		},
	}
}

func testStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "sweep.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSweeps(n int) []models.DateSweep {
	sweeps := make([]models.DateSweep, 0, n)
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		checkIn := start.AddDate(0, 0, 7*i)
		sweeps = append(sweeps, models.DateSweep{CheckIn: checkIn, Label: checkIn.Format("2006-01-02")})
	}
	return sweeps
}

func okResults() *models.SearchResults {
	return &models.SearchResults{
		Context: map[string]any{"requestId": "req-1"},
		Hotels: []map[string]any{
			{"id": "p1", "name": "Hotel Eden"},
		},
	}
}

func TestRunPersistsAndSkipsCompleted(t *testing.T) {
	cfg := testConfig()
	store := testStore(t)
	session := &fakeSession{fetchers: []Fetcher{&scriptedFetcher{script: []fetchResult{{results: okResults()}}}}}

	orch := NewOrchestrator(cfg, store, nil, session)
	if err := orch.Run(context.Background(), testSweeps(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.rebuilds != 1 || session.closes != 1 {
		t.Fatalf("session rebuilds=%d closes=%d, want 1/1", session.rebuilds, session.closes)
	}

	runs, err := store.ListCompletedRunsAfter(0, 10)
	if err != nil {
		t.Fatalf("ListCompletedRunsAfter: %v", err)
	}
	if len(runs) != 1 || runs[0].TotalHotels != 1 {
		t.Fatalf("expected one completed run with one hotel, got %+v", runs)
	}

	// A second pass over the same matrix finds the completed run and
	// never opens a session.
	session2 := &fakeSession{fetchers: []Fetcher{&scriptedFetcher{script: []fetchResult{{results: okResults()}}}}}
	orch2 := NewOrchestrator(cfg, store, nil, session2)
	if err := orch2.Run(context.Background(), testSweeps(1)); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if session2.rebuilds != 0 {
		t.Fatalf("resumed run should not rebuild a session, got %d", session2.rebuilds)
	}

	runs, _ = store.ListCompletedRunsAfter(0, 10)
	if len(runs) != 1 {
		t.Fatalf("resumed run should not add rows, got %d", len(runs))
	}
}

func TestResumeSkipsCompleteAndRetriesFailed(t *testing.T) {
	cfg := testConfig()
	store := testStore(t)
	sweeps := testSweeps(2)

	lat, lng := cfg.Search.Latitude, cfg.Search.Longitude
	dest := models.Destination{
		Key:        "manual",
		Name:       cfg.Search.LocationName,
		LocationID: cfg.Search.LocationID,
		Latitude:   &lat,
		Longitude:  &lng,
	}
	seedParams := func(sweep models.DateSweep) models.SearchParams {
		return models.SearchParams{
			LocationID:    dest.LocationID,
			LocationLabel: dest.Name,
			CheckIn:       sweep.CheckIn,
			CheckOut:      sweep.CheckIn.AddDate(0, 0, cfg.Search.Nights),
			Rooms:         []models.RoomRequest{{Adults: cfg.Search.Adults}},
			Latitude:      lat,
			Longitude:     lng,
		}
	}

	// The first date finished on a prior pass; the second was left failed.
	doneID, err := store.BeginRun(dest, seedParams(sweeps[0]), sweeps[0].Label)
	if err != nil {
		t.Fatalf("seed BeginRun: %v", err)
	}
	if err := store.FinalizeRun(doneID, 1, 1, "req-seed", nil); err != nil {
		t.Fatalf("seed FinalizeRun: %v", err)
	}
	failedID, err := store.BeginRun(dest, seedParams(sweeps[1]), sweeps[1].Label)
	if err != nil {
		t.Fatalf("seed BeginRun: %v", err)
	}
	if err := store.MarkRunFailed(failedID, "backend returned 502"); err != nil {
		t.Fatalf("seed MarkRunFailed: %v", err)
	}

	fetcher := &scriptedFetcher{script: []fetchResult{{results: okResults()}}}
	session := &fakeSession{fetchers: []Fetcher{fetcher}}
	if err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), sweeps); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	if fetcher.calls != 1 {
		t.Fatalf("only the failed unit should be searched, got %d calls", fetcher.calls)
	}

	latestDone, err := store.FetchLatestRun(dest, seedParams(sweeps[0]), sweeps[0].Label)
	if err != nil {
		t.Fatalf("FetchLatestRun complete unit: %v", err)
	}
	if latestDone == nil || latestDone.ID != doneID {
		t.Fatalf("completed unit should not get a new run row, got %+v", latestDone)
	}

	latestRetried, err := store.FetchLatestRun(dest, seedParams(sweeps[1]), sweeps[1].Label)
	if err != nil {
		t.Fatalf("FetchLatestRun retried unit: %v", err)
	}
	if latestRetried == nil || latestRetried.ID == failedID {
		t.Fatalf("failed unit should get exactly one new run row, got %+v", latestRetried)
	}
	if latestRetried.Status != models.RunStatusComplete {
		t.Fatalf("retried unit status = %s, want complete", latestRetried.Status)
	}

	runs, err := store.ListCompletedRunsAfter(0, 10)
	if err != nil {
		t.Fatalf("ListCompletedRunsAfter: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected the seeded and retried runs only, got %d", len(runs))
	}
}

func TestRunRetriesWhenResumeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.ResumeCompleted = false
	store := testStore(t)

	for i := 0; i < 2; i++ {
		fetcher := &scriptedFetcher{script: []fetchResult{{results: okResults()}}}
		session := &fakeSession{fetchers: []Fetcher{fetcher}}
		if err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(1)); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if fetcher.calls != 1 {
			t.Fatalf("pass %d should always search, got %d calls", i, fetcher.calls)
		}
	}
}

func TestBackendFailuresAbortAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.MaxConsecutiveFailures = 2
	store := testStore(t)

	backendErr := &search.BackendUnavailableError{Status: 502, Body: "bad gateway"}
	fetcher := &scriptedFetcher{script: []fetchResult{{err: backendErr}}}
	session := &fakeSession{fetchers: []Fetcher{fetcher}}

	err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(5))
	if err == nil {
		t.Fatal("expected the sweep to abort")
	}
	if !strings.Contains(err.Error(), "back-to-back") {
		t.Fatalf("unexpected abort error: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected exactly 2 attempts before aborting, got %d", fetcher.calls)
	}
}

func TestBackendFailureCounterResetsOnSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.MaxConsecutiveFailures = 2
	store := testStore(t)

	backendErr := &search.BackendUnavailableError{Status: 503, Body: "unavailable"}
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: backendErr},
		{results: okResults()},
		{err: backendErr},
		{results: okResults()},
	}}
	session := &fakeSession{fetchers: []Fetcher{fetcher}}

	// Alternating failures never reach two in a row, so the sweep
	// finishes.
	if err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(4)); err != nil {
		t.Fatalf("Run should survive interleaved failures: %v", err)
	}

	runs, err := store.ListCompletedRunsAfter(0, 10)
	if err != nil {
		t.Fatalf("ListCompletedRunsAfter: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 completed runs, got %d", len(runs))
	}
}

func TestTransportLossRebuildsSessionAndFinishes(t *testing.T) {
	cfg := testConfig()
	store := testStore(t)

	dying := &scriptedFetcher{script: []fetchResult{
		{err: errors.New("goto failed: target page, context or browser has been closed")},
	}}
	healthy := &scriptedFetcher{script: []fetchResult{{results: okResults()}}}
	session := &fakeSession{fetchers: []Fetcher{dying, healthy}}

	if err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.rebuilds != 2 {
		t.Fatalf("expected a rebuild after transport loss, got %d", session.rebuilds)
	}

	runs, _ := store.ListCompletedRunsAfter(0, 10)
	if len(runs) != 1 {
		t.Fatalf("unit should complete on the rebuilt session, got %d runs", len(runs))
	}
}

func TestRepeatedAuthExpiryFailsTheUnit(t *testing.T) {
	cfg := testConfig()
	store := testStore(t)

	expired := &scriptedFetcher{script: []fetchResult{
		{err: &search.SessionRefreshError{Reason: "search request failed after refreshing session"}},
	}}
	session := &fakeSession{fetchers: []Fetcher{expired}}

	err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(1))
	if err == nil {
		t.Fatal("expected the unit to fail")
	}
	if !strings.Contains(err.Error(), "unable to recover session") {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.rebuilds != 2 {
		t.Fatalf("expected both rebuild attempts to be used, got %d", session.rebuilds)
	}
}

func TestSessionRebuildFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	store := testStore(t)
	session := &fakeSession{err: errors.New("login portal unreachable")}

	err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(1))
	if err == nil || !strings.Contains(err.Error(), "rebuild sweep session") {
		t.Fatalf("expected rebuild failure to surface, got %v", err)
	}
	if session.closes != 1 {
		t.Fatalf("session should still be closed on exit, got %d", session.closes)
	}
}

func TestNoDestinationsConfiguredIsError(t *testing.T) {
	cfg := testConfig()
	cfg.Search.LocationID = ""
	store := testStore(t)
	session := &fakeSession{}

	err := NewOrchestrator(cfg, store, nil, session).Run(context.Background(), testSweeps(1))
	if err == nil || !strings.Contains(err.Error(), "no destinations configured") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
