package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"hotel_sweeper/config"
	"hotel_sweeper/destinations"
	"hotel_sweeper/hotels"
	"hotel_sweeper/models"
	"hotel_sweeper/search"
	"hotel_sweeper/storage"
)

// sessionRebuildAttempts bounds how many times a single unit may tear
// down and re-authenticate the session before giving up.
const sessionRebuildAttempts = 2

// SearchUnit is one (destination, date sweep) cell of the matrix. Its
// params are built once and never mutated.
type SearchUnit struct {
	Destination models.Destination
	Sweep       models.DateSweep
	Label       string
	Params      models.SearchParams
}

// Orchestrator walks the destination/date matrix, keeps the browser
// session alive across failures, and records every attempt in the run
// store.
type Orchestrator struct {
	cfg     *config.Config
	store   *storage.SQLiteStore
	catalog *destinations.Catalog
	session Session
	limiter *rate.Limiter

	fetcher Fetcher
}

func NewOrchestrator(cfg *config.Config, store *storage.SQLiteStore, catalog *destinations.Catalog, session Session) *Orchestrator {
	pause := cfg.Sweep.DestinationPause
	if pause <= 0 {
		pause = time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		session: session,
		limiter: rate.NewLimiter(rate.Every(pause), 1),
	}
}

// Run executes the full sweep matrix. Completed units are skipped when
// resume is enabled; the session is torn down on exit either way.
func (o *Orchestrator) Run(ctx context.Context, sweeps []models.DateSweep) (err error) {
	defer func() {
		if closeErr := o.session.Close(context.Background()); closeErr != nil {
			log.Printf("Closing sweep session: %v", closeErr)
		}
		o.fetcher = nil
	}()

	targets, err := o.resolveDestinations()
	if err != nil {
		return err
	}
	if len(sweeps) == 0 {
		return fmt.Errorf("no date sweeps configured")
	}

	batches := o.buildBatches(targets, sweeps)
	existing, err := o.loadExistingRuns(batches)
	if err != nil {
		return fmt.Errorf("load existing runs: %w", err)
	}

	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	log.Printf("Sweep plan: %d destinations x %d dates = %d units (%s priority)",
		len(targets), len(sweeps), total, o.cfg.Sweep.Priority)

	units := o.orderUnits(batches, existing)

	consecutiveBackendFailures := 0
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}

		prior := existing[runKey(unit)]
		if o.cfg.Sweep.ResumeCompleted && prior != nil && prior.Status == models.RunStatusComplete {
			o.log(nil, models.LogLevelInfo, fmt.Sprintf(
				"Skipping %s [%s]: already complete (run %d at %s)",
				unit.Destination.Key, unit.Label, prior.ID, prior.StartedAt.Format(time.RFC3339)),
				unit.Destination.Key)
			continue
		}
		if prior != nil && prior.Status == models.RunStatusFailed {
			o.log(nil, models.LogLevelInfo, fmt.Sprintf(
				"Retrying %s [%s]: previous run %d failed (%s)",
				unit.Destination.Key, unit.Label, prior.ID, prior.FailureReason),
				unit.Destination.Key)
		}

		err := o.executeUnit(ctx, unit)
		if err == nil {
			consecutiveBackendFailures = 0
			continue
		}

		var backendErr *search.BackendUnavailableError
		if errors.As(err, &backendErr) {
			consecutiveBackendFailures++
			o.log(nil, models.LogLevelWarn, fmt.Sprintf(
				"Backend rejected %s [%s] (%d consecutive): %v",
				unit.Destination.Key, unit.Label, consecutiveBackendFailures, err),
				unit.Destination.Key)
			if consecutiveBackendFailures >= o.cfg.Sweep.MaxConsecutiveFailures {
				return fmt.Errorf("aborting sweep after %d back-to-back API failures: %w",
					consecutiveBackendFailures, err)
			}
			continue
		}
		return err
	}

	log.Printf("Sweep complete")
	return nil
}

// executeUnit runs one search unit end to end. A run row is opened once
// and survives session rebuilds; it is finalized exactly once.
func (o *Orchestrator) executeUnit(ctx context.Context, unit SearchUnit) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	var runID int64
	var lastSessionErr error

	for attempt := 0; attempt < sessionRebuildAttempts; attempt++ {
		if o.fetcher == nil {
			fetcher, err := o.session.Rebuild(ctx)
			if err != nil {
				if runID != 0 {
					o.failRun(runID, fmt.Sprintf("Session rebuild failed: %v", err), unit)
				}
				return fmt.Errorf("rebuild sweep session: %w", err)
			}
			o.fetcher = fetcher
		}

		if runID == 0 {
			id, err := o.store.BeginRun(unit.Destination, unit.Params, unit.Label)
			if err != nil {
				return fmt.Errorf("begin run for %s [%s]: %w", unit.Destination.Key, unit.Label, err)
			}
			runID = id
			o.log(&runID, models.LogLevelInfo, fmt.Sprintf(
				"Searching %s [%s] %s to %s",
				unit.Destination.Key, unit.Label,
				unit.Params.CheckIn.Format("2006-01-02"), unit.Params.CheckOut.Format("2006-01-02")),
				unit.Destination.Key)
		}

		results, err := o.fetcher.FetchProperties(ctx, unit.Params)
		if err != nil {
			switch search.Classify(err) {
			case search.KindTransportLost:
				o.log(&runID, models.LogLevelWarn, fmt.Sprintf(
					"Browser transport lost, rebuilding session: %v", err), unit.Destination.Key)
				o.fetcher = nil
				continue
			case search.KindAuthExpired:
				lastSessionErr = err
				o.log(&runID, models.LogLevelWarn, fmt.Sprintf(
					"Session expired, rebuilding: %v", err), unit.Destination.Key)
				o.fetcher = nil
				continue
			default:
				o.failRun(runID, err.Error(), unit)
				return err
			}
		}

		return o.persistResults(runID, unit, results)
	}

	if lastSessionErr != nil {
		o.failRun(runID, fmt.Sprintf("Session could not be recovered: %v", lastSessionErr), unit)
		return fmt.Errorf("unable to recover session after %d rebuilds: %w", sessionRebuildAttempts, lastSessionErr)
	}
	o.failRun(runID, "Browser transport kept dropping during search", unit)
	return fmt.Errorf("search for %s [%s] failed after %d session rebuilds",
		unit.Destination.Key, unit.Label, sessionRebuildAttempts)
}

func (o *Orchestrator) persistResults(runID int64, unit SearchUnit, results *models.SearchResults) error {
	hotelRecords, rateRecords := hotels.BuildRecords(results, unit.Destination, unit.Params)

	if err := o.store.SaveHotels(hotelRecords); err != nil {
		o.failRun(runID, fmt.Sprintf("Persisting hotels failed: %v", err), unit)
		return fmt.Errorf("save hotels for run %d: %w", runID, err)
	}
	savedRates, err := o.store.SaveRates(runID, rateRecords)
	if err != nil {
		o.failRun(runID, fmt.Sprintf("Persisting rates failed: %v", err), unit)
		return fmt.Errorf("save rates for run %d: %w", runID, err)
	}
	if err := o.store.FinalizeRun(runID, len(hotelRecords), savedRates, results.RequestID(), results.Context); err != nil {
		return fmt.Errorf("finalize run %d: %w", runID, err)
	}

	o.log(&runID, models.LogLevelInfo, fmt.Sprintf(
		"Completed %s [%s]: %d hotels, %d rates",
		unit.Destination.Key, unit.Label, len(hotelRecords), savedRates),
		unit.Destination.Key)
	return nil
}

func (o *Orchestrator) failRun(runID int64, reason string, unit SearchUnit) {
	if runID == 0 {
		return
	}
	if err := o.store.MarkRunFailed(runID, reason); err != nil {
		log.Printf("Failed to mark run %d failed: %v", runID, err)
	}
	o.log(&runID, models.LogLevelError, reason, unit.Destination.Key)
}

// resolveDestinations expands the configured selectors, falling back to
// the manual single destination when no catalog keys are set.
func (o *Orchestrator) resolveDestinations() ([]models.Destination, error) {
	if len(o.cfg.Search.DestinationKeys) > 0 {
		if o.catalog == nil {
			return nil, fmt.Errorf("destination keys configured but no catalog loaded")
		}
		return o.catalog.Resolve(o.cfg.Search.DestinationKeys)
	}

	if o.cfg.Search.LocationID == "" {
		return nil, fmt.Errorf("no destinations configured: set destination keys or a manual location id")
	}
	latitude := o.cfg.Search.Latitude
	longitude := o.cfg.Search.Longitude
	manual := models.Destination{
		Key:        "manual",
		Name:       o.cfg.Search.LocationName,
		LocationID: o.cfg.Search.LocationID,
		Latitude:   &latitude,
		Longitude:  &longitude,
	}
	log.Printf("No catalog destinations selected; using manual destination %q", manual.Name)
	return []models.Destination{manual}, nil
}

// buildBatches builds the unit matrix, one batch per date sweep.
func (o *Orchestrator) buildBatches(targets []models.Destination, sweeps []models.DateSweep) [][]SearchUnit {
	batches := make([][]SearchUnit, 0, len(sweeps))
	for _, sweep := range sweeps {
		nights := sweep.Nights
		if nights <= 0 {
			nights = o.cfg.Search.Nights
		}
		batch := make([]SearchUnit, 0, len(targets))
		for _, destination := range targets {
			params := models.SearchParams{
				LocationID:    destination.LocationID,
				LocationLabel: destination.Name,
				CheckIn:       sweep.CheckIn,
				CheckOut:      sweep.CheckIn.AddDate(0, 0, nights),
				Rooms:         []models.RoomRequest{{Adults: o.cfg.Search.Adults}},
				ProgramFilter: o.cfg.Search.ProgramFilter,
			}
			if destination.Latitude != nil {
				params.Latitude = *destination.Latitude
			}
			if destination.Longitude != nil {
				params.Longitude = *destination.Longitude
			}
			batch = append(batch, SearchUnit{
				Destination: destination,
				Sweep:       sweep,
				Label:       sweep.LabelText(),
				Params:      params,
			})
		}
		batches = append(batches, batch)
	}
	return batches
}

// loadExistingRuns bulk-fetches the latest run per unit so skip and
// retry decisions need no per-unit queries.
func (o *Orchestrator) loadExistingRuns(batches [][]SearchUnit) (map[string]*models.SearchRun, error) {
	existing := make(map[string]*models.SearchRun)
	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		lookups := make([]storage.RunLookup, 0, len(batch))
		for _, unit := range batch {
			lookups = append(lookups, storage.RunLookup{Destination: unit.Destination, Params: unit.Params})
		}
		label := batch[0].Label
		runs, err := o.store.FetchLatestRunsBulk(lookups, label)
		if err != nil {
			return nil, err
		}
		for key, run := range runs {
			existing[key+"|"+label] = run
		}
	}
	return existing, nil
}

func (o *Orchestrator) log(runID *int64, level models.LogLevel, message, destinationKey string) {
	log.Printf("[%s] %s: %s", level, destinationKey, message)
	o.store.Log(runID, level, message, destinationKey)
}

func runKey(unit SearchUnit) string {
	return unit.Destination.Key + "|" + unit.Label
}

// orderUnits flattens the matrix in the configured priority. Sweep-first
// finishes one date across all destinations before moving on; batches
// or destinations with nothing pending are dropped up front.
func (o *Orchestrator) orderUnits(batches [][]SearchUnit, existing map[string]*models.SearchRun) []SearchUnit {
	pending := func(unit SearchUnit) bool {
		if !o.cfg.Sweep.ResumeCompleted {
			return true
		}
		prior := existing[runKey(unit)]
		return prior == nil || prior.Status != models.RunStatusComplete
	}

	var ordered []SearchUnit
	if o.cfg.Sweep.Priority == config.PriorityDestinationFirst {
		if len(batches) == 0 {
			return nil
		}
		for idx := range batches[0] {
			anyPending := false
			for _, batch := range batches {
				if pending(batch[idx]) {
					anyPending = true
					break
				}
			}
			if !anyPending {
				log.Printf("Destination %s: all dates complete, skipping", batches[0][idx].Destination.Key)
				continue
			}
			for _, batch := range batches {
				ordered = append(ordered, batch[idx])
			}
		}
		return ordered
	}

	for _, batch := range batches {
		anyPending := false
		for _, unit := range batch {
			if pending(unit) {
				anyPending = true
				break
			}
		}
		if !anyPending {
			if len(batch) > 0 {
				log.Printf("Sweep %s: all destinations complete, skipping", batch[0].Label)
			}
			continue
		}
		ordered = append(ordered, batch...)
	}
	return ordered
}
