package report

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// RecordWriter persists report lines.
type RecordWriter interface {
	WriteRecord(rec models.Record) error
}

// RecordStore is the deployment-history sink.
type RecordStore interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	RecordResult(ctx context.Context, runID string, rec models.Record) error
	FinishRun(ctx context.Context, summary models.Summary, finishedAt time.Time) error
}

// Publisher is the result-event sink.
type Publisher interface {
	Publish(ctx context.Context, runID string, rec models.Record) error
}

type AggregatorConfig struct {
	RunID  string
	Writer RecordWriter
	// Store and Publisher are optional.
	Store     RecordStore
	Publisher Publisher
	Logger    *log.Logger
}

// Aggregator is the only reader of the record channel and the only writer of the report
// and sinks.
type Aggregator struct {
	runID     string
	writer    RecordWriter
	store     RecordStore
	publisher Publisher
	logger    *log.Logger
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.RunID == "" {
		cfg.RunID = models.NewRunID()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[report] ", log.LstdFlags)
	}
	return &Aggregator{
		runID:     cfg.RunID,
		writer:    cfg.Writer,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
	}
}

// Run drains records until the channel is closed. Sink failures are logged and never stop
// the drain; the first report write error is returned after the channel closes.
func (a *Aggregator) Run(ctx context.Context, records <-chan models.Record) (models.Summary, error) {
	summary := models.Summary{RunID: a.runID, ByKind: make(map[models.OutcomeKind]int)}
	if a.store != nil {
		if err := a.store.StartRun(ctx, a.runID, time.Now().UTC()); err != nil {
			a.logger.Printf("history start run: %v", err)
		}
	}

	var writeErr error
	for rec := range records {
		summary.Add(rec)
		a.logger.Printf("%s: %s", rec.APIID, rec.Outcome)
		if a.writer != nil {
			if err := a.writer.WriteRecord(rec); err != nil {
				a.logger.Printf("report write %s: %v", rec.APIID, err)
				if writeErr == nil {
					writeErr = err
				}
			}
		}
		if a.store != nil {
			if err := a.store.RecordResult(ctx, a.runID, rec); err != nil {
				a.logger.Printf("history record %s: %v", rec.APIID, err)
			}
		}
		if a.publisher != nil {
			if err := a.publisher.Publish(ctx, a.runID, rec); err != nil {
				a.logger.Printf("publish %s: %v", rec.APIID, err)
			}
		}
	}

	if a.store != nil {
		if err := a.store.FinishRun(ctx, summary, time.Now().UTC()); err != nil {
			a.logger.Printf("history finish run: %v", err)
		}
	}
	return summary, writeErr
}
