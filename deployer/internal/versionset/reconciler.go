// Package versionset makes sure every api path in a batch has its version set before any
// upload that references it.
package versionset

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/specs"
)

// ErrReconcile is returned when a version set is absent and could not be created.
var ErrReconcile = errors.New("version set reconciliation failed")

type Result string

const (
	Created       Result = "created"
	AlreadyExists Result = "already_exists"
)

// ControlPlane is the subset of the apim client the reconciler uses.
type ControlPlane interface {
	GetVersionSet(ctx context.Context, apiPath string) (apim.Response, error)
	PutVersionSet(ctx context.Context, vs models.VersionSet) (apim.Response, error)
}

type Reconciler struct {
	cp     ControlPlane
	logger *log.Logger
}

func NewReconciler(cp ControlPlane, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stdout, "[versionset] ", log.LstdFlags)
	}
	return &Reconciler{cp: cp, logger: logger}
}

// Reconcile creates the version set for apiPath unless it already exists. Any lookup
// answer other than 200, including a transport error, counts as absent.
func (r *Reconciler) Reconcile(ctx context.Context, apiPath string) (Result, error) {
	resp, err := r.cp.GetVersionSet(ctx, apiPath)
	switch {
	case err != nil:
		r.logger.Printf("lookup %s failed, treating as absent: %v", apiPath, err)
	case resp.StatusCode == http.StatusOK:
		r.logger.Printf("version set %s already exists", apiPath)
		return AlreadyExists, nil
	}

	resp, err = r.cp.PutVersionSet(ctx, models.NewVersionSet(apiPath))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrReconcile, apiPath, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: %s: status %d: %s", ErrReconcile, apiPath, resp.StatusCode, resp.Text())
	}
	r.logger.Printf("created version set %s", apiPath)
	return Created, nil
}

// ReconcileAll reconciles each distinct api path once, in sorted order. Failures are
// logged and the remaining paths still run; the failed paths are returned.
func (r *Reconciler) ReconcileAll(ctx context.Context, units []models.SpecUnit) map[string]error {
	failed := make(map[string]error)
	for _, p := range specs.DistinctAPIPaths(units) {
		if ctx.Err() != nil {
			failed[p] = ctx.Err()
			continue
		}
		if _, err := r.Reconcile(ctx, p); err != nil {
			r.logger.Printf("%v", err)
			failed[p] = err
		}
	}
	return failed
}
