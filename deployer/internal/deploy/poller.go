package deploy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

type PollerConfig struct {
	// Interval between status checks while the operation is pending. Defaults to 30s.
	Interval time.Duration
	// Deadline bounds the whole wait. Defaults to 60m.
	Deadline time.Duration
	// MaxPolls caps the number of status checks; zero means only Deadline applies.
	MaxPolls int
	Logger   *log.Logger
}

// Poller follows one long-running operation on the worker that submitted it.
type Poller struct {
	cp       ControlPlane
	interval time.Duration
	deadline time.Duration
	maxPolls int
	logger   *log.Logger
}

func NewPoller(cp ControlPlane, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 60 * time.Minute
	}
	if cfg.MaxPolls < 0 {
		cfg.MaxPolls = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[poll] ", log.LstdFlags)
	}
	return &Poller{
		cp:       cp,
		interval: cfg.Interval,
		deadline: cfg.Deadline,
		maxPolls: cfg.MaxPolls,
		logger:   cfg.Logger,
	}
}

// Poll checks location until the operation reaches a terminal status, the deadline or poll
// cap is hit, or ctx is cancelled.
func (p *Poller) Poll(ctx context.Context, location, apiID string) models.Outcome {
	deadline := time.Now().Add(p.deadline)
	for polls := 1; ; polls++ {
		resp, err := p.cp.GetOperationStatus(ctx, location)
		if err != nil {
			p.logger.Printf("%s: status check failed: %v", apiID, err)
			return models.ErrorOutcome(models.OutcomeTransportError, err)
		}

		switch resp.StatusCode {
		case http.StatusAccepted:
			p.logger.Printf("%s: pending (poll %d)", apiID, polls)
		case http.StatusOK, http.StatusCreated:
			p.logger.Printf("%s: completed after %d polls", apiID, polls)
			return models.StatusOutcome(models.OutcomeCompleted, resp.StatusCode, "")
		case http.StatusBadGateway, http.StatusGatewayTimeout:
			p.logger.Printf("%s: upstream unavailable (%d)", apiID, resp.StatusCode)
			return models.StatusOutcome(models.OutcomeUpstreamUnavailable, resp.StatusCode, resp.Text())
		default:
			p.logger.Printf("%s: operation failed (%d): %s", apiID, resp.StatusCode, resp.Text())
			return models.StatusOutcome(models.OutcomeFailed, resp.StatusCode, resp.Text())
		}

		if p.maxPolls > 0 && polls >= p.maxPolls {
			p.logger.Printf("%s: still pending after %d polls", apiID, polls)
			return models.Outcome{Kind: models.OutcomeTimedOut, Detail: fmt.Sprintf("still pending after %d polls", polls)}
		}
		if time.Now().Add(p.interval).After(deadline) {
			p.logger.Printf("%s: still pending at deadline %s", apiID, p.deadline)
			return models.Outcome{Kind: models.OutcomeTimedOut, Detail: fmt.Sprintf("still pending after %s", p.deadline)}
		}

		select {
		case <-ctx.Done():
			return models.ErrorOutcome(models.OutcomeTransportError, ctx.Err())
		case <-time.After(p.interval):
		}
	}
}
