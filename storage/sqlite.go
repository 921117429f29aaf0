package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"hotel_sweeper/identity"
	"hotel_sweeper/models"
)

// sqliteParameterLimit bounds how many bound parameters a single bulk
// query may carry; SQLite's compile-time ceiling is 999.
const sqliteParameterLimit = 900

const failureReasonLimit = 512

var validJournalModes = map[string]bool{
	"delete": true, "truncate": true, "persist": true,
	"memory": true, "wal": true, "off": true,
}

var validSynchronousModes = map[string]bool{
	"off": true, "normal": true, "full": true, "extra": true,
}

// SQLiteStore owns every search run row and the derived hotel/rate
// tables. All mutation serializes through a single writer lock.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

type Options struct {
	JournalMode   string
	Synchronous   string
	BusyTimeoutMS int
}

func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	journal, err := normalizeMode(opts.JournalMode, validJournalModes, "journal_mode")
	if err != nil {
		return nil, err
	}
	synchronous, err := normalizeMode(opts.Synchronous, validSynchronousModes, "synchronous")
	if err != nil {
		return nil, err
	}
	busyTimeout := opts.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on", dbPath, journal, busyTimeout)
	if synchronous != "" {
		dsn += "&_synchronous=" + synchronous
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store, nil
}

func normalizeMode(value string, valid map[string]bool, name string) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(value))
	if mode == "" {
		return "", nil
	}
	if !valid[mode] {
		known := make([]string, 0, len(valid))
		for k := range valid {
			known = append(known, k)
		}
		sort.Strings(known)
		return "", fmt.Errorf("unsupported SQLite %s %q; expected one of: %s", name, value, strings.Join(known, ", "))
	}
	return mode, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrations run in order on open; meta.schema_version records progress
// so re-opening an existing database file is idempotent.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS destinations (
		key TEXT PRIMARY KEY,
		group_name TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		location_id TEXT,
		latitude REAL,
		longitude REAL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS search_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		destination_key TEXT NOT NULL REFERENCES destinations(key),
		destination_group TEXT NOT NULL DEFAULT '',
		destination_name TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		nights INTEGER NOT NULL,
		adults INTEGER NOT NULL,
		children INTEGER NOT NULL,
		rooms INTEGER NOT NULL,
		program_filter TEXT,
		request_id TEXT,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		failure_reason TEXT,
		total_hotels INTEGER NOT NULL DEFAULT 0,
		total_rates INTEGER NOT NULL DEFAULT 0,
		search_signature TEXT NOT NULL,
		raw_context TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_runs_signature ON search_runs(search_signature);
	CREATE INDEX IF NOT EXISTS idx_search_runs_status ON search_runs(status);

	CREATE TABLE IF NOT EXISTS hotels (
		property_id TEXT PRIMARY KEY,
		supplier_id TEXT,
		name TEXT,
		type TEXT,
		brand_name TEXT,
		chain_name TEXT,
		star_rating REAL,
		phone TEXT,
		address_line1 TEXT,
		address_city TEXT,
		address_state TEXT,
		address_postal_code TEXT,
		address_country_code TEXT,
		address_country_name TEXT,
		latitude REAL,
		longitude REAL,
		distance_miles REAL,
		distance_unit TEXT,
		loyalty_valid INTEGER,
		user_rating REAL,
		user_rating_count INTEGER,
		hero_image TEXT,
		marketing_insider_tip TEXT,
		marketing_video TEXT,
		location_teaser TEXT,
		check_in_start TEXT,
		check_in_end TEXT,
		check_out_time TEXT,
		description_short TEXT,
		description_long TEXT,
		image_gallery_json TEXT,
		search_context_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS hotel_features (
		property_id TEXT NOT NULL REFERENCES hotels(property_id) ON DELETE CASCADE,
		feature_type TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (property_id, feature_type, value)
	);
	CREATE INDEX IF NOT EXISTS idx_hotel_features_value ON hotel_features(feature_type, value);

	CREATE TABLE IF NOT EXISTS hotel_program_benefits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		property_id TEXT NOT NULL REFERENCES hotels(property_id) ON DELETE CASCADE,
		program_code TEXT,
		program_name TEXT,
		benefit_type TEXT,
		description TEXT,
		note TEXT,
		start_date TEXT,
		end_date TEXT,
		exceptional_value INTEGER
	);

	CREATE TABLE IF NOT EXISTS room_types (
		property_id TEXT NOT NULL REFERENCES hotels(property_id) ON DELETE CASCADE,
		room_type_id TEXT NOT NULL,
		name TEXT,
		amenities_json TEXT,
		bed_groups_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (property_id, room_type_id)
	);

	CREATE TABLE IF NOT EXISTS rate_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES search_runs(id) ON DELETE CASCADE,
		property_id TEXT NOT NULL REFERENCES hotels(property_id) ON DELETE CASCADE,
		room_type_id TEXT NOT NULL,
		rate_id TEXT NOT NULL,
		hotel_collection TEXT,
		available INTEGER,
		is_breakfast_included INTEGER,
		is_food_beverage_credit INTEGER,
		is_free_cancellation INTEGER,
		is_parking_included INTEGER,
		is_shuttle_included INTEGER,
		occupancy_adults INTEGER,
		occupancy_children INTEGER,
		room_count INTEGER,
		pricing_currency TEXT,
		pricing_base REAL,
		pricing_total REAL,
		pricing_total_inclusive REAL,
		pricing_total_fees REAL,
		pricing_total_taxes REAL,
		average_nightly_rate REAL,
		average_nightly_rate_points_burn REAL,
		payment_model TEXT,
		points_burn INTEGER,
		points_burn_calculation_json TEXT,
		room_allocations_json TEXT,
		special_offer_json TEXT,
		supplier_rate_promotion_json TEXT,
		comparison_amenity_json TEXT,
		search_context_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(run_id, property_id, room_type_id, rate_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rate_snapshots_run ON rate_snapshots(run_id);
	CREATE INDEX IF NOT EXISTS idx_rate_snapshots_property ON rate_snapshots(property_id);

	CREATE TABLE IF NOT EXISTS rate_nightly_prices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rate_snapshot_id INTEGER NOT NULL REFERENCES rate_snapshots(id) ON DELETE CASCADE,
		night_index INTEGER NOT NULL,
		night_date TEXT,
		actual_rate REAL,
		inclusive_rate REAL
	);

	CREATE TABLE IF NOT EXISTS rate_components (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rate_snapshot_id INTEGER NOT NULL REFERENCES rate_snapshots(id) ON DELETE CASCADE,
		component_type TEXT NOT NULL,
		code TEXT,
		label TEXT,
		amount REAL,
		currency TEXT,
		is_included INTEGER,
		pay_locally INTEGER
	);

	CREATE TABLE IF NOT EXISTS sweep_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		destination_key TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sweep_logs_run ON sweep_logs(run_id, timestamp);
	`,
	`
	CREATE TABLE IF NOT EXISTS hotel_promotions (
		property_id TEXT NOT NULL REFERENCES hotels(property_id) ON DELETE CASCADE,
		promotion_code TEXT NOT NULL,
		promotion_type TEXT,
		title TEXT,
		description TEXT,
		min_nights INTEGER,
		max_nights INTEGER,
		booking_start TEXT,
		booking_end TEXT,
		stay_start TEXT,
		stay_end TEXT,
		blackout_dates_json TEXT,
		card_types_json TEXT,
		raw_json TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		PRIMARY KEY (property_id, promotion_code)
	);
	CREATE INDEX IF NOT EXISTS idx_hotel_promotions_type ON hotel_promotions(promotion_type);
	`,
	`
	ALTER TABLE hotels ADD COLUMN renovation_closure_notice TEXT;
	`,
	`
	ALTER TABLE hotels ADD COLUMN raw_json TEXT;
	`,
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return err
	}

	current := 0
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		fmt.Sscanf(raw, "%d", &current)
	}

	for version := current + 1; version <= len(migrations); version++ {
		if _, err := s.db.Exec(migrations[version-1]); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", version)); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun records a new attempt for a (destination, sweep) unit and
// returns the run id. Any stale running row sharing the signature is
// demoted to failed first, so a crashed attempt never blocks a retry.
func (s *SQLiteStore) BeginRun(dest models.Destination, params models.SearchParams, label string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	signature := identity.SearchSignature(dest.Key, label, params)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO destinations(key, group_name, name, location_id, latitude, longitude, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			group_name=excluded.group_name,
			name=excluded.name,
			location_id=excluded.location_id,
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			updated_at=excluded.updated_at`,
		dest.Key, dest.Group, dest.Name, dest.LocationID, dest.Latitude, dest.Longitude, now, now); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		UPDATE search_runs
		SET status=?, failure_reason='Superseded by new run', updated_at=?
		WHERE search_signature=? AND status=?`,
		models.RunStatusFailed, now, signature, models.RunStatusRunning); err != nil {
		return 0, err
	}

	programs, _ := json.Marshal(params.ProgramFilter)
	result, err := tx.Exec(`
		INSERT INTO search_runs(
			destination_key, destination_group, destination_name, label,
			check_in, check_out, nights, adults, children, rooms,
			program_filter, status, started_at, created_at, updated_at, search_signature
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dest.Key, dest.Group, dest.Name, label,
		params.CheckIn.Format("2006-01-02"), params.CheckOut.Format("2006-01-02"),
		params.Nights(), params.TotalAdults(), params.TotalChildren(), len(params.Rooms),
		string(programs), models.RunStatusRunning, now, now, now, signature)
	if err != nil {
		return 0, err
	}

	runID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return runID, tx.Commit()
}

// FinalizeRun transitions a run to complete. Callers only invoke this
// after hotel and rate persistence has succeeded.
func (s *SQLiteStore) FinalizeRun(runID int64, totalHotels, totalRates int, requestID string, context map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	contextJSON := marshalJSON(context)
	_, err := s.db.Exec(`
		UPDATE search_runs
		SET status=?, completed_at=?, updated_at=?, total_hotels=?, total_rates=?, request_id=?, raw_context=?
		WHERE id=?`,
		models.RunStatusComplete, now, now, totalHotels, totalRates, nullable(requestID), contextJSON, runID)
	return err
}

// MarkRunFailed transitions a running run to failed with a truncated
// reason. A run already complete or failed is left untouched, so a late
// failure report never clobbers a terminal state.
func (s *SQLiteStore) MarkRunFailed(runID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(reason) > failureReasonLimit {
		reason = reason[:failureReasonLimit]
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE search_runs
		SET status=?, completed_at=?, updated_at=?, failure_reason=?
		WHERE id=? AND status=?`,
		models.RunStatusFailed, now, now, reason, runID, models.RunStatusRunning)
	return err
}

const searchRunColumns = `sr.id, sr.destination_key, sr.destination_name, sr.destination_group,
	sr.label, sr.status, sr.started_at, sr.updated_at, sr.completed_at,
	sr.failure_reason, sr.total_hotels, sr.total_rates, sr.search_signature`

func scanSearchRun(scanner interface{ Scan(...any) error }) (*models.SearchRun, error) {
	var run models.SearchRun
	var completedAt sql.NullTime
	var failureReason sql.NullString
	err := scanner.Scan(&run.ID, &run.DestinationKey, &run.DestinationName, &run.DestinationGroup,
		&run.Label, &run.Status, &run.StartedAt, &run.UpdatedAt, &completedAt,
		&failureReason, &run.TotalHotels, &run.TotalRates, &run.Signature)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.FailureReason = failureReason.String
	return &run, nil
}

// FetchLatestRun returns the most-recently-started attempt for a unit's
// signature, or nil when none exists.
func (s *SQLiteStore) FetchLatestRun(dest models.Destination, params models.SearchParams, label string) (*models.SearchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	signature := identity.SearchSignature(dest.Key, label, params)
	row := s.db.QueryRow(`
		SELECT `+searchRunColumns+`
		FROM search_runs sr
		WHERE sr.search_signature=?
		ORDER BY sr.started_at DESC
		LIMIT 1`, signature)

	run, err := scanSearchRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RunLookup pairs a destination with the params of its scheduled unit.
type RunLookup struct {
	Destination models.Destination
	Params      models.SearchParams
}

// FetchLatestRunsBulk returns, per destination key, the latest attempt
// for that destination's signature. Lookups are deduplicated and
// chunked so large sweeps never exceed the query parameter ceiling.
func (s *SQLiteStore) FetchLatestRunsBulk(lookups []RunLookup, label string) (map[string]*models.SearchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]*models.SearchRun)
	if len(lookups) == 0 {
		return records, nil
	}

	signatureToKey := make(map[string]string, len(lookups))
	var ordered []string
	for _, lookup := range lookups {
		signature := identity.SearchSignature(lookup.Destination.Key, label, lookup.Params)
		if _, seen := signatureToKey[signature]; !seen {
			signatureToKey[signature] = lookup.Destination.Key
			ordered = append(ordered, signature)
		}
	}

	queryChunk := func(chunk []string) error {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, sig := range chunk {
			args[i] = sig
		}
		rows, err := s.db.Query(`
			SELECT `+searchRunColumns+`
			FROM search_runs sr
			JOIN (
				SELECT search_signature, MAX(started_at) AS max_started_at
				FROM search_runs
				WHERE search_signature IN (`+placeholders+`)
				GROUP BY search_signature
			) latest ON sr.search_signature = latest.search_signature
				AND sr.started_at = latest.max_started_at`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanSearchRun(rows)
			if err != nil {
				return err
			}
			key, ok := signatureToKey[run.Signature]
			if !ok {
				continue
			}
			if _, exists := records[key]; !exists {
				records[key] = run
			}
		}
		return rows.Err()
	}

	for start := 0; start < len(ordered); start += sqliteParameterLimit {
		end := start + sqliteParameterLimit
		if end > len(ordered) {
			end = len(ordered)
		}
		if err := queryChunk(ordered[start:end]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Log mirrors an orchestrator event into the store.
func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, message, destinationKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sweep_logs(run_id, timestamp, level, message, destination_key)
		VALUES(?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), level, message, destinationKey)
	if err != nil {
		log.Printf("Failed to persist sweep log: %v", err)
	}
}

// ListCompletedRunsAfter returns completed runs with ids beyond the
// given watermark, oldest first. Used by the export worker.
func (s *SQLiteStore) ListCompletedRunsAfter(id int64, limit int) ([]models.SearchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+searchRunColumns+`
		FROM search_runs sr
		WHERE sr.id > ? AND sr.status = ?
		ORDER BY sr.id
		LIMIT ?`, id, models.RunStatusComplete, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SearchRun
	for rows.Next() {
		run, err := scanSearchRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
