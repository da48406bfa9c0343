// Package deploy uploads spec units to the control plane through a bounded worker pool and
// follows accepted writes until they finish.
package deploy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// ControlPlane is the subset of the apim client used for uploads and status checks.
type ControlPlane interface {
	PutAPI(ctx context.Context, unit models.SpecUnit, spec []byte) (apim.Response, error)
	GetOperationStatus(ctx context.Context, location string) (apim.Response, error)
}

// Deployer turns one unit into exactly one record.
type Deployer interface {
	Deploy(ctx context.Context, unit models.SpecUnit) models.Record
}

type Dispatcher struct {
	cp     ControlPlane
	poller *Poller
	logger *log.Logger
}

func NewDispatcher(cp ControlPlane, poller *Poller, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stdout, "[dispatch] ", log.LstdFlags)
	}
	if poller == nil {
		poller = NewPoller(cp, PollerConfig{})
	}
	return &Dispatcher{cp: cp, poller: poller, logger: logger}
}

// Deploy submits unit once and returns its record. Submissions are never retried.
func (d *Dispatcher) Deploy(ctx context.Context, unit models.SpecUnit) models.Record {
	return models.NewRecord(unit.APIID, d.deploy(ctx, unit))
}

func (d *Dispatcher) deploy(ctx context.Context, unit models.SpecUnit) models.Outcome {
	spec, err := loadSpec(unit.SpecFilePath)
	if err != nil {
		d.logger.Printf("%s: %v", unit.APIID, err)
		return models.ErrorOutcome(models.OutcomeInvalidSpec, err)
	}

	d.logger.Printf("%s: submitting %s", unit.APIID, unit.SpecFilePath)
	resp, err := d.cp.PutAPI(ctx, unit, spec)
	if err != nil {
		d.logger.Printf("%s: submit failed: %v", unit.APIID, err)
		return models.ErrorOutcome(models.OutcomeTransportError, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		d.logger.Printf("%s: completed (%d)", unit.APIID, resp.StatusCode)
		return models.StatusOutcome(models.OutcomeCompleted, resp.StatusCode, "")
	case http.StatusConflict:
		d.logger.Printf("%s: conflict, will not retry", unit.APIID)
		return models.StatusOutcome(models.OutcomeConflict, resp.StatusCode, resp.Text())
	case http.StatusNotFound:
		d.logger.Printf("%s: not found: %s", unit.APIID, resp.Text())
		return models.StatusOutcome(models.OutcomeNotFound, resp.StatusCode, resp.Text())
	case http.StatusAccepted:
		loc := resp.AsyncLocation()
		if loc == "" {
			d.logger.Printf("%s: accepted without a status location", unit.APIID)
			return models.StatusOutcome(models.OutcomeFailed, resp.StatusCode, "accepted without status location")
		}
		return d.poller.Poll(ctx, loc, unit.APIID)
	default:
		d.logger.Printf("%s: failed (%d): %s", unit.APIID, resp.StatusCode, resp.Text())
		return models.StatusOutcome(models.OutcomeFailed, resp.StatusCode, resp.Text())
	}
}

// loadSpec reads a spec document and checks that it is an OpenAPI or Swagger mapping.
// YAML is a superset of JSON, so both encodings pass through the same decoder.
func loadSpec(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if _, ok := doc["openapi"]; ok {
		return b, nil
	}
	if _, ok := doc["swagger"]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("spec %s has no openapi or swagger version field", path)
}
