package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hotel_sweeper/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), Options{
		JournalMode: "wal",
		Synchronous: "normal",
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDestination(key string) models.Destination {
	lat, lng := 35.6762, 139.6503
	return models.Destination{
		Key:        key,
		Group:      "asia",
		Name:       "Tokyo, Japan",
		LocationID: "179900",
		Latitude:   &lat,
		Longitude:  &lng,
	}
}

func testSearchParams() models.SearchParams {
	return models.SearchParams{
		LocationID:    "179900",
		LocationLabel: "Tokyo, Japan",
		CheckIn:       time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC),
		CheckOut:      time.Date(2026, 11, 5, 0, 0, 0, 0, time.UTC),
		Rooms:         []models.RoomRequest{{Adults: 2}},
	}
}

func TestNewStoreRejectsInvalidModes(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewSQLiteStore(filepath.Join(dir, "a.db"), Options{JournalMode: "walnut"}); err == nil {
		t.Fatal("invalid journal mode should be rejected at construction")
	}
	if _, err := NewSQLiteStore(filepath.Join(dir, "b.db"), Options{Synchronous: "sometimes"}); err == nil {
		t.Fatal("invalid synchronous mode should be rejected at construction")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(path, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(path, Options{})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store.Close()

	var version string
	if err := store.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != fmt.Sprintf("%d", len(migrations)) {
		t.Fatalf("schema version = %s, want %d", version, len(migrations))
	}
}

func TestBeginRunSupersedesStaleRunning(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	first, err := store.BeginRun(dest, params, "2026-11-02")
	if err != nil {
		t.Fatalf("first BeginRun: %v", err)
	}
	second, err := store.BeginRun(dest, params, "2026-11-02")
	if err != nil {
		t.Fatalf("second BeginRun: %v", err)
	}
	if second <= first {
		t.Fatalf("expected a new run id, got %d after %d", second, first)
	}

	var status, reason string
	if err := store.db.QueryRow(
		`SELECT status, failure_reason FROM search_runs WHERE id=?`, first).Scan(&status, &reason); err != nil {
		t.Fatalf("read first run: %v", err)
	}
	if status != string(models.RunStatusFailed) || reason != "Superseded by new run" {
		t.Fatalf("stale run not demoted: status=%s reason=%q", status, reason)
	}

	latest, err := store.FetchLatestRun(dest, params, "2026-11-02")
	if err != nil {
		t.Fatalf("FetchLatestRun: %v", err)
	}
	if latest == nil || latest.ID != second || latest.Status != models.RunStatusRunning {
		t.Fatalf("latest run should be the new running one, got %+v", latest)
	}
}

func TestFinalizeRunAndResume(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	runID, err := store.BeginRun(dest, params, "2026-11-02")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	context := map[string]any{"requestId": "req-123", "pagination": map[string]any{"hasNext": false}}
	if err := store.FinalizeRun(runID, 12, 85, "req-123", context); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	run, err := store.FetchLatestRun(dest, params, "2026-11-02")
	if err != nil {
		t.Fatalf("FetchLatestRun: %v", err)
	}
	if run.Status != models.RunStatusComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if run.TotalHotels != 12 || run.TotalRates != 85 {
		t.Fatalf("totals = %d/%d, want 12/85", run.TotalHotels, run.TotalRates)
	}
	if run.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// The same unit on a later date is a different signature and must
	// not be shadowed by the completed run.
	laterParams := params
	laterParams.CheckIn = params.CheckIn.AddDate(0, 0, 7)
	laterParams.CheckOut = params.CheckOut.AddDate(0, 0, 7)
	later, err := store.FetchLatestRun(dest, laterParams, "2026-11-09")
	if err != nil {
		t.Fatalf("FetchLatestRun later: %v", err)
	}
	if later != nil {
		t.Fatalf("unexpected run for a different sweep: %+v", later)
	}
}

func TestMarkRunFailedTruncatesReason(t *testing.T) {
	store := newTestStore(t)
	runID, err := store.BeginRun(testDestination("tokyo"), testSearchParams(), "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	if err := store.MarkRunFailed(runID, strings.Repeat("x", 2000)); err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}
	run, err := store.FetchLatestRun(testDestination("tokyo"), testSearchParams(), "l")
	if err != nil {
		t.Fatalf("FetchLatestRun: %v", err)
	}
	if len(run.FailureReason) != failureReasonLimit {
		t.Fatalf("failure reason length = %d, want %d", len(run.FailureReason), failureReasonLimit)
	}
	if run.CompletedAt == nil {
		t.Fatal("failed run should stamp completed_at")
	}
}

func TestMarkRunFailedLeavesTerminalRuns(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	runID, err := store.BeginRun(dest, params, "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.FinalizeRun(runID, 2, 3, "req-1", nil); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	// A failure report arriving after finalization must not demote the
	// completed run.
	if err := store.MarkRunFailed(runID, "late failure report"); err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}
	run, err := store.FetchLatestRun(dest, params, "l")
	if err != nil {
		t.Fatalf("FetchLatestRun: %v", err)
	}
	if run.Status != models.RunStatusComplete || run.FailureReason != "" {
		t.Fatalf("terminal run was clobbered: status=%s reason=%q", run.Status, run.FailureReason)
	}
	if run.TotalHotels != 2 || run.TotalRates != 3 {
		t.Fatalf("totals lost: %d/%d", run.TotalHotels, run.TotalRates)
	}

	// Likewise, a second failure must not rewrite an earlier one.
	failedID, err := store.BeginRun(dest, params, "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := store.MarkRunFailed(failedID, "first reason"); err != nil {
		t.Fatalf("MarkRunFailed: %v", err)
	}
	if err := store.MarkRunFailed(failedID, "second reason"); err != nil {
		t.Fatalf("repeat MarkRunFailed: %v", err)
	}
	run, err = store.FetchLatestRun(dest, params, "l")
	if err != nil {
		t.Fatalf("FetchLatestRun: %v", err)
	}
	if run.ID != failedID || run.FailureReason != "first reason" {
		t.Fatalf("original failure reason lost: %+v", run)
	}
}

func TestFetchLatestRunsBulkChunksAndMaps(t *testing.T) {
	store := newTestStore(t)
	params := testSearchParams()

	var lookups []RunLookup
	// Three destinations with real runs, the rest are absent; the total
	// exceeds one parameter chunk.
	for i := 0; i < 950; i++ {
		dest := testDestination(fmt.Sprintf("dest-%03d", i))
		lookups = append(lookups, RunLookup{Destination: dest, Params: params})
		if i < 3 {
			runID, err := store.BeginRun(dest, params, "label")
			if err != nil {
				t.Fatalf("BeginRun %d: %v", i, err)
			}
			if i == 0 {
				if err := store.FinalizeRun(runID, 1, 1, "", nil); err != nil {
					t.Fatalf("FinalizeRun: %v", err)
				}
			}
		}
	}
	// Duplicate lookups must not break the mapping.
	lookups = append(lookups, lookups[0])

	runs, err := store.FetchLatestRunsBulk(lookups, "label")
	if err != nil {
		t.Fatalf("FetchLatestRunsBulk: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 mapped runs, got %d", len(runs))
	}
	if runs["dest-000"] == nil || runs["dest-000"].Status != models.RunStatusComplete {
		t.Fatalf("dest-000 should map to its completed run, got %+v", runs["dest-000"])
	}
	if runs["dest-001"] == nil || runs["dest-001"].Status != models.RunStatusRunning {
		t.Fatalf("dest-001 should map to its running run, got %+v", runs["dest-001"])
	}
}

func TestFetchLatestRunsBulkPicksNewest(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	if _, err := store.BeginRun(dest, params, "label"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	newest, err := store.BeginRun(dest, params, "label")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	runs, err := store.FetchLatestRunsBulk([]RunLookup{{Destination: dest, Params: params}}, "label")
	if err != nil {
		t.Fatalf("FetchLatestRunsBulk: %v", err)
	}
	if runs["tokyo"] == nil || runs["tokyo"].ID != newest {
		t.Fatalf("bulk fetch should pick the newest attempt, got %+v", runs["tokyo"])
	}
}

func sampleHotel(propertyID string) models.HotelRecord {
	star := 4.5
	rating := 8.8
	count := 412
	loyalty := true
	return models.HotelRecord{
		PropertyID:      propertyID,
		Name:            "Park Hyatt Tokyo",
		Type:            "HOTEL",
		ChainName:       "Hyatt",
		StarRating:      &star,
		AddressLine1:    "3-7-1-2 Nishi Shinjuku",
		AddressCity:     "Tokyo",
		Interests:       []string{"luxury"},
		Amenities:       []string{"Pool", "Spa"},
		ProgramCodes:    []string{"FHR"},
		MarketingTags:   []string{"skyline views"},
		LoyaltyValid:    &loyalty,
		UserRating:      &rating,
		UserRatingCount: &count,
		ProgramBenefits: []models.ProgramBenefit{
			{ProgramCode: "FHR", ProgramName: "Fine Hotels", BenefitType: "BREAKFAST", Description: "Daily breakfast for two"},
		},
		Raw: map[string]any{"id": propertyID, "name": "Park Hyatt Tokyo", "starRating": 4.5},
	}
}

func TestSaveHotelsUpsertsAndRebuildsFeatures(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveHotels([]models.HotelRecord{sampleHotel("p1")}); err != nil {
		t.Fatalf("SaveHotels: %v", err)
	}

	updated := sampleHotel("p1")
	updated.Amenities = []string{"Pool"}
	updated.Name = "Park Hyatt Tokyo (renovated)"
	if err := store.SaveHotels([]models.HotelRecord{updated}); err != nil {
		t.Fatalf("SaveHotels update: %v", err)
	}

	var hotelCount int
	store.db.QueryRow(`SELECT COUNT(*) FROM hotels`).Scan(&hotelCount)
	if hotelCount != 1 {
		t.Fatalf("expected a single upserted hotel row, got %d", hotelCount)
	}

	var name string
	store.db.QueryRow(`SELECT name FROM hotels WHERE property_id='p1'`).Scan(&name)
	if name != "Park Hyatt Tokyo (renovated)" {
		t.Fatalf("name not updated: %q", name)
	}

	var amenities int
	store.db.QueryRow(`SELECT COUNT(*) FROM hotel_features WHERE property_id='p1' AND feature_type='amenity'`).Scan(&amenities)
	if amenities != 1 {
		t.Fatalf("features not rebuilt: %d amenity rows", amenities)
	}

	var benefits int
	store.db.QueryRow(`SELECT COUNT(*) FROM hotel_program_benefits WHERE property_id='p1'`).Scan(&benefits)
	if benefits != 1 {
		t.Fatalf("benefits not rebuilt: %d rows", benefits)
	}

	var raw string
	store.db.QueryRow(`SELECT raw_json FROM hotels WHERE property_id='p1'`).Scan(&raw)
	if !strings.Contains(raw, `"name":"Park Hyatt Tokyo"`) {
		t.Fatalf("raw payload not persisted: %q", raw)
	}
}

func sampleRate(propertyID, roomTypeID, rateID string) models.RateRecord {
	total := 1650.0
	base := 1500.0
	adults := 2
	free := true
	return models.RateRecord{
		PropertyID:      propertyID,
		RoomTypeID:      roomTypeID,
		RoomTypeName:    "Deluxe King",
		RateID:          rateID,
		HotelCollection: "FHR",
		Amenities:       []string{"Breakfast"},
		OccupancyAdults: &adults,
		IsFreeCancellation: &free,
		Pricing: &models.RatePricing{
			Currency:              "USD",
			Base:                  &base,
			Total:                 &total,
			NightlyActualRates:    []float64{500, 500, 500},
			NightlyInclusiveRates: []float64{550, 550, 550},
			Fees: []models.RateComponent{{Type: "resort_fee", Currency: "USD"}},
			Taxes: []models.RateComponent{{Type: "vat", Currency: "USD"}},
		},
		SpecialOffer: map[string]any{
			"code":  "SPRING",
			"title": "Third night free",
		},
		Search: models.SearchContext{CheckIn: "2026-11-02", CheckOut: "2026-11-05"},
	}
}

func TestSaveRatesReplacesSnapshotsPerRun(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	if err := store.SaveHotels([]models.HotelRecord{sampleHotel("p1")}); err != nil {
		t.Fatalf("SaveHotels: %v", err)
	}
	runID, err := store.BeginRun(dest, params, "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	inserted, err := store.SaveRates(runID, []models.RateRecord{
		sampleRate("p1", "rt1", "r1"),
		sampleRate("p1", "rt1", "r2"),
		sampleRate("p1", "rt1", "r1"), // duplicate must collapse
	})
	if err != nil {
		t.Fatalf("SaveRates: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 snapshots after dedup, got %d", inserted)
	}

	var nightly int
	store.db.QueryRow(`SELECT COUNT(*) FROM rate_nightly_prices`).Scan(&nightly)
	if nightly != 6 {
		t.Fatalf("expected 3 nightly rows per snapshot, got %d total", nightly)
	}
	var firstNightDate string
	store.db.QueryRow(`SELECT night_date FROM rate_nightly_prices WHERE night_index=0 LIMIT 1`).Scan(&firstNightDate)
	if firstNightDate != "2026-11-02" {
		t.Fatalf("night 0 date = %q, want check-in date", firstNightDate)
	}

	// Retrying the run replaces the snapshot set wholesale.
	inserted, err = store.SaveRates(runID, []models.RateRecord{sampleRate("p1", "rt1", "r1")})
	if err != nil {
		t.Fatalf("SaveRates retry: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("retry insert count = %d, want 1", inserted)
	}

	var snapshots int
	store.db.QueryRow(`SELECT COUNT(*) FROM rate_snapshots WHERE run_id=?`, runID).Scan(&snapshots)
	if snapshots != 1 {
		t.Fatalf("old snapshots not replaced: %d rows", snapshots)
	}
	store.db.QueryRow(`SELECT COUNT(*) FROM rate_nightly_prices`).Scan(&nightly)
	if nightly != 3 {
		t.Fatalf("nightly rows not cascaded on replace: %d", nightly)
	}

	var components int
	store.db.QueryRow(`SELECT COUNT(*) FROM rate_components`).Scan(&components)
	if components != 2 {
		t.Fatalf("expected one fee and one tax row, got %d", components)
	}

	var roomTypes int
	store.db.QueryRow(`SELECT COUNT(*) FROM room_types WHERE property_id='p1'`).Scan(&roomTypes)
	if roomTypes != 1 {
		t.Fatalf("room types not aggregated: %d rows", roomTypes)
	}
}

func TestPromotionLifetimeTracking(t *testing.T) {
	store := newTestStore(t)
	dest := testDestination("tokyo")
	params := testSearchParams()

	if err := store.SaveHotels([]models.HotelRecord{sampleHotel("p1")}); err != nil {
		t.Fatalf("SaveHotels: %v", err)
	}
	runID, err := store.BeginRun(dest, params, "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := store.SaveRates(runID, []models.RateRecord{sampleRate("p1", "rt1", "r1")}); err != nil {
		t.Fatalf("SaveRates: %v", err)
	}

	var firstSeen time.Time
	if err := store.db.QueryRow(
		`SELECT first_seen FROM hotel_promotions WHERE property_id='p1' AND promotion_code='SPRING'`).Scan(&firstSeen); err != nil {
		t.Fatalf("promotion not recorded: %v", err)
	}

	// Re-observing without a title keeps the known title and preserves
	// first_seen.
	time.Sleep(5 * time.Millisecond)
	again := sampleRate("p1", "rt1", "r1")
	again.SpecialOffer = map[string]any{"code": "SPRING"}
	runID2, err := store.BeginRun(dest, params, "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := store.SaveRates(runID2, []models.RateRecord{again}); err != nil {
		t.Fatalf("SaveRates again: %v", err)
	}

	var title string
	var firstSeenAfter, lastSeen time.Time
	if err := store.db.QueryRow(
		`SELECT title, first_seen, last_seen FROM hotel_promotions WHERE property_id='p1' AND promotion_code='SPRING'`).
		Scan(&title, &firstSeenAfter, &lastSeen); err != nil {
		t.Fatalf("read promotion: %v", err)
	}
	if title != "Third night free" {
		t.Fatalf("title lost on re-observation: %q", title)
	}
	if !firstSeenAfter.Equal(firstSeen) {
		t.Fatalf("first_seen changed: %s -> %s", firstSeen, firstSeenAfter)
	}
	if !lastSeen.After(firstSeen) {
		t.Fatalf("last_seen did not advance: %s", lastSeen)
	}
}

func TestSyntheticIDsAssignedWhenMissing(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveHotels([]models.HotelRecord{sampleHotel("p1")}); err != nil {
		t.Fatalf("SaveHotels: %v", err)
	}
	runID, err := store.BeginRun(testDestination("tokyo"), testSearchParams(), "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	record := sampleRate("p1", "", "")
	if _, err := store.SaveRates(runID, []models.RateRecord{record}); err != nil {
		t.Fatalf("SaveRates: %v", err)
	}

	var roomTypeID, rateID string
	if err := store.db.QueryRow(
		`SELECT room_type_id, rate_id FROM rate_snapshots WHERE run_id=?`, runID).Scan(&roomTypeID, &rateID); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.HasPrefix(roomTypeID, "anon_") || !strings.HasPrefix(rateID, "rate_") {
		t.Fatalf("synthetic ids not assigned: %q / %q", roomTypeID, rateID)
	}
}

func TestSweepLogsAndExportListing(t *testing.T) {
	store := newTestStore(t)
	runID, err := store.BeginRun(testDestination("tokyo"), testSearchParams(), "l")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	store.Log(&runID, models.LogLevelInfo, "searching", "tokyo")
	store.Log(nil, models.LogLevelWarn, "backend hiccup", "tokyo")

	var logs int
	store.db.QueryRow(`SELECT COUNT(*) FROM sweep_logs`).Scan(&logs)
	if logs != 2 {
		t.Fatalf("expected 2 log rows, got %d", logs)
	}

	// Only completed runs surface to the exporter.
	runs, err := store.ListCompletedRunsAfter(0, 10)
	if err != nil {
		t.Fatalf("ListCompletedRunsAfter: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("running run should not be exported, got %d", len(runs))
	}

	if err := store.FinalizeRun(runID, 1, 2, "req", nil); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	runs, err = store.ListCompletedRunsAfter(0, 10)
	if err != nil {
		t.Fatalf("ListCompletedRunsAfter: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("completed run not listed: %+v", runs)
	}
	runs, _ = store.ListCompletedRunsAfter(runID, 10)
	if len(runs) != 0 {
		t.Fatalf("watermark not respected: %+v", runs)
	}
}
