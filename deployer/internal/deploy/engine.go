package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// ErrLostResults is returned when the drained record count differs from the batch size.
var ErrLostResults = errors.New("result count does not match batch size")

// Reconciler prepares the version sets a batch depends on.
type Reconciler interface {
	ReconcileAll(ctx context.Context, units []models.SpecUnit) map[string]error
}

// Collector is the single consumer of the record channel. It must drain the channel until
// it is closed.
type Collector interface {
	Run(ctx context.Context, records <-chan models.Record) (models.Summary, error)
}

type EngineConfig struct {
	// Workers bounds concurrent deployments. Defaults to 4.
	Workers int
	Logger  *log.Logger
}

// Engine runs one batch: reconcile, fan out over the pool, then close the record channel
// once every worker has returned.
type Engine struct {
	reconciler Reconciler
	deployer   Deployer
	workers    int
	logger     *log.Logger
}

func NewEngine(reconciler Reconciler, deployer Deployer, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		reconciler: reconciler,
		deployer:   deployer,
		workers:    cfg.Workers,
		logger:     cfg.Logger,
	}
}

type collected struct {
	summary models.Summary
	err     error
}

// Run deploys units and returns the collector's summary.
func (e *Engine) Run(ctx context.Context, units []models.SpecUnit, collector Collector) (models.Summary, error) {
	e.logger.Printf("files to be deployed (%d):", len(units))
	for _, u := range units {
		e.logger.Printf("  %s <- %s", u.APIID, u.SpecFilePath)
	}

	if failed := e.reconciler.ReconcileAll(ctx, units); len(failed) > 0 {
		e.logger.Printf("%d version set(s) could not be reconciled; dependent uploads will likely fail", len(failed))
	}

	records := make(chan models.Record, e.workers)
	done := make(chan collected, 1)
	go func() {
		s, err := collector.Run(ctx, records)
		done <- collected{summary: s, err: err}
	}()

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, u := range units {
		g.Go(func() error {
			records <- e.deployer.Deploy(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	close(records)

	res := <-done
	if res.err != nil {
		return res.summary, res.err
	}
	if res.summary.Received != len(units) {
		return res.summary, fmt.Errorf("%w: received %d of %d", ErrLostResults, res.summary.Received, len(units))
	}
	e.logger.Printf("run finished: %d succeeded, %d failed", res.summary.Succeeded, res.summary.Failed)
	return res.summary, nil
}
