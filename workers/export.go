package workers

import (
	"context"
	"log"
	"time"

	"hotel_sweeper/storage"
)

// ExportWorker mirrors completed run outcomes into the Postgres
// analytics store. It tracks a run-id watermark so each outcome is
// exported once.
type ExportWorker struct {
	store     *storage.SQLiteStore
	pg        *storage.PostgresStore
	batchSize int
	triggerCh chan struct{}

	lastExportedID int64
}

func NewExportWorker(store *storage.SQLiteStore, pg *storage.PostgresStore) *ExportWorker {
	return &ExportWorker{
		store:     store,
		pg:        pg,
		batchSize: 200,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the worker to export immediately.
func (w *ExportWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the export loop.
func (w *ExportWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Export worker stopping")
			return
		case <-ticker.C:
			w.exportBatch(ctx)
		case <-w.triggerCh:
			log.Println("Export worker triggered manually")
			w.exportBatch(ctx)
		}
	}
}

func (w *ExportWorker) exportBatch(ctx context.Context) {
	for {
		runs, err := w.store.ListCompletedRunsAfter(w.lastExportedID, w.batchSize)
		if err != nil {
			log.Printf("Export: query error: %v", err)
			return
		}
		if len(runs) == 0 {
			return
		}

		exported := 0
		for i := range runs {
			run := &runs[i]
			if err := w.pg.UpsertRunOutcome(ctx, run); err != nil {
				log.Printf("Export: upsert run %d failed: %v", run.ID, err)
				return
			}
			w.lastExportedID = run.ID
			exported++
		}
		log.Printf("Export: mirrored %d run outcome(s), watermark at %d", exported, w.lastExportedID)

		if len(runs) < w.batchSize {
			return
		}
	}
}
