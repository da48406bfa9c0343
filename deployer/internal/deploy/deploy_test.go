package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apimsim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/versionset"
)

var quiet = log.New(io.Discard, "", 0)

type harness struct {
	sim        *apimsim.Server
	client     *apim.Client
	dispatcher *Dispatcher
	dir        string
}

func newHarness(t *testing.T, opts apimsim.Options, pcfg PollerConfig) *harness {
	t.Helper()
	sim := apimsim.New(opts)
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)
	client, err := apim.NewClient(apim.ClientConfig{
		ManagementURL:     srv.URL,
		ServiceResourceID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.ApiManagement/service/gw",
		APIVersion:        "2021-08-01",
		Tokens:            auth.StaticToken("sim-token"),
		Logger:            quiet,
	})
	require.NoError(t, err)
	if pcfg.Interval == 0 {
		pcfg.Interval = 5 * time.Millisecond
	}
	pcfg.Logger = quiet
	return &harness{
		sim:        sim,
		client:     client,
		dispatcher: NewDispatcher(client, NewPoller(client, pcfg), quiet),
		dir:        t.TempDir(),
	}
}

func (h *harness) unit(t *testing.T, apiPath, version string) models.SpecUnit {
	t.Helper()
	path := filepath.Join(h.dir, apiPath+"-"+version+".yaml")
	body := fmt.Sprintf("openapi: 3.0.1\ninfo:\n  title: %s\n  version: %s\npaths: {}\n", apiPath, version)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return models.NewSpecUnit(apiPath, version, path)
}

type sliceCollector struct {
	mu      sync.Mutex
	records []models.Record
}

func (c *sliceCollector) Run(ctx context.Context, records <-chan models.Record) (models.Summary, error) {
	s := models.Summary{RunID: "test"}
	for rec := range records {
		c.mu.Lock()
		c.records = append(c.records, rec)
		c.mu.Unlock()
		s.Add(rec)
	}
	return s, nil
}

func TestDeploySynchronousCompletion(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{})
	h.sim.SeedVersionSet("orders")
	u := h.unit(t, "orders", "v1")

	rec := h.dispatcher.Deploy(context.Background(), u)
	assert.Equal(t, "orders-v1", rec.APIID)
	assert.Equal(t, models.OutcomeCompleted, rec.Outcome.Kind)
	assert.Equal(t, http.StatusCreated, rec.Outcome.StatusCode)

	api, ok := h.sim.API("orders-v1")
	require.True(t, ok)
	assert.Equal(t, "orders", api.Path)
	assert.Contains(t, api.Value, "openapi: 3.0.1")
}

func TestDeployPollsUntilComplete(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{})
	h.sim.SeedVersionSet("orders")
	h.sim.Script("orders-v1", apimsim.Script{
		Submit: []int{http.StatusAccepted},
		Polls:  []int{http.StatusAccepted, http.StatusAccepted, http.StatusOK},
	})

	rec := h.dispatcher.Deploy(context.Background(), h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeCompleted, rec.Outcome.Kind)
	assert.Equal(t, http.StatusOK, rec.Outcome.StatusCode)
	assert.Equal(t, 1, h.sim.Submits("orders-v1"))
	assert.Equal(t, 3, h.sim.Polls("orders-v1"))
}

func TestDeployLocationFallback(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{})
	h.sim.Script("orders-v1", apimsim.Script{
		Submit:       []int{http.StatusAccepted},
		Polls:        []int{http.StatusCreated},
		LocationOnly: true,
	})
	rec := h.dispatcher.Deploy(context.Background(), h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeCompleted, rec.Outcome.Kind)
	assert.Equal(t, 1, h.sim.Polls("orders-v1"))
}

func TestDeployTerminalStatuses(t *testing.T) {
	cases := []struct {
		name   string
		script apimsim.Script
		kind   models.OutcomeKind
		status int
	}{
		{"conflict", apimsim.Script{Submit: []int{http.StatusConflict}}, models.OutcomeConflict, http.StatusConflict},
		{"not found", apimsim.Script{Submit: []int{http.StatusNotFound}}, models.OutcomeNotFound, http.StatusNotFound},
		{"server error", apimsim.Script{Submit: []int{http.StatusInternalServerError}}, models.OutcomeFailed, http.StatusInternalServerError},
		{"no location", apimsim.Script{Submit: []int{http.StatusAccepted}, NoLocation: true}, models.OutcomeFailed, http.StatusAccepted},
		{"bad gateway while polling", apimsim.Script{Submit: []int{http.StatusAccepted}, Polls: []int{http.StatusAccepted, http.StatusBadGateway}}, models.OutcomeUpstreamUnavailable, http.StatusBadGateway},
		{"operation failed", apimsim.Script{Submit: []int{http.StatusAccepted}, Polls: []int{http.StatusBadRequest}}, models.OutcomeFailed, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, apimsim.Options{}, PollerConfig{})
			h.sim.Script("orders-v1", tc.script)
			rec := h.dispatcher.Deploy(context.Background(), h.unit(t, "orders", "v1"))
			assert.Equal(t, tc.kind, rec.Outcome.Kind)
			assert.Equal(t, tc.status, rec.Outcome.StatusCode)
			assert.Equal(t, 1, h.sim.Submits("orders-v1"), "submissions are never retried")
		})
	}
}

func TestDeployTimesOut(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{MaxPolls: 3})
	h.sim.Script("orders-v1", apimsim.Script{Submit: []int{http.StatusAccepted}, Polls: []int{http.StatusAccepted}})
	rec := h.dispatcher.Deploy(context.Background(), h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeTimedOut, rec.Outcome.Kind)
	assert.Equal(t, 3, h.sim.Polls("orders-v1"))

	h = newHarness(t, apimsim.Options{}, PollerConfig{Interval: 10 * time.Millisecond, Deadline: 25 * time.Millisecond})
	h.sim.Script("orders-v1", apimsim.Script{Submit: []int{http.StatusAccepted}, Polls: []int{http.StatusAccepted}})
	rec = h.dispatcher.Deploy(context.Background(), h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeTimedOut, rec.Outcome.Kind)
	assert.LessOrEqual(t, h.sim.Polls("orders-v1"), 3)
}

func TestDeployCancelledWhilePolling(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{Interval: time.Hour, Deadline: 2 * time.Hour})
	h.sim.Script("orders-v1", apimsim.Script{Submit: []int{http.StatusAccepted}, Polls: []int{http.StatusAccepted}})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	rec := h.dispatcher.Deploy(ctx, h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeTransportError, rec.Outcome.Kind)
	assert.Contains(t, rec.Outcome.Detail, context.Canceled.Error())
}

func TestDeployInvalidSpecSendsNothing(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{})
	path := filepath.Join(h.dir, "orders-v1.yaml")
	require.NoError(t, os.WriteFile(path, []byte("title: not a spec\n"), 0o644))

	rec := h.dispatcher.Deploy(context.Background(), models.NewSpecUnit("orders", "v1", path))
	assert.Equal(t, models.OutcomeInvalidSpec, rec.Outcome.Kind)

	rec = h.dispatcher.Deploy(context.Background(), models.NewSpecUnit("orders", "v2", filepath.Join(h.dir, "missing-v2.yaml")))
	assert.Equal(t, models.OutcomeInvalidSpec, rec.Outcome.Kind)
	assert.Equal(t, 0, h.sim.TotalSubmits())
}

func TestLoadSpecAcceptsSwaggerJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy-v1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"swagger":"2.0","paths":{}}`), 0o644))
	_, err := loadSpec(path)
	require.NoError(t, err)
}

func TestDeployTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client, err := apim.NewClient(apim.ClientConfig{
		ManagementURL:     url,
		ServiceResourceID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.ApiManagement/service/gw",
		APIVersion:        "2021-08-01",
		Tokens:            auth.StaticToken("t"),
		Logger:            quiet,
	})
	require.NoError(t, err)
	d := NewDispatcher(client, nil, quiet)
	h := &harness{dir: t.TempDir()}
	rec := d.Deploy(context.Background(), h.unit(t, "orders", "v1"))
	assert.Equal(t, models.OutcomeTransportError, rec.Outcome.Kind)
	assert.Zero(t, rec.Outcome.StatusCode)
}

func TestEngineReconcilesBeforeUploads(t *testing.T) {
	h := newHarness(t, apimsim.Options{}, PollerConfig{})
	units := []models.SpecUnit{h.unit(t, "orders", "v1"), h.unit(t, "orders", "v2"), h.unit(t, "users", "v1")}

	engine := NewEngine(versionset.NewReconciler(h.client, quiet), h.dispatcher, EngineConfig{Workers: 3, Logger: quiet})
	collector := &sliceCollector{}
	summary, err := engine.Run(context.Background(), units, collector)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Received)
	assert.Equal(t, 3, summary.Succeeded)

	assert.Equal(t, 1, h.sim.VersionSetPuts("orders"))
	assert.Equal(t, 1, h.sim.VersionSetPuts("users"))
	events := h.sim.Events()
	require.Len(t, events, 5)
	assert.Equal(t, "versionset.put", events[0].Kind)
	assert.Equal(t, "versionset.put", events[1].Kind)
	for _, ev := range events[2:] {
		assert.Equal(t, "api.put", ev.Kind)
	}
}

func TestEngineDeliversEveryRecordUnderLoad(t *testing.T) {
	const n = 40
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t, apimsim.Options{
		AsyncPolls: 1,
		Latency: func() time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return time.Duration(rng.Intn(5)) * time.Millisecond
		},
	}, PollerConfig{Interval: time.Millisecond})

	units := make([]models.SpecUnit, 0, n)
	for i := 0; i < n; i++ {
		units = append(units, h.unit(t, fmt.Sprintf("svc%02d", i%7), fmt.Sprintf("v%d", i)))
	}

	engine := NewEngine(versionset.NewReconciler(h.client, quiet), h.dispatcher, EngineConfig{Workers: 4, Logger: quiet})
	collector := &sliceCollector{}
	summary, err := engine.Run(context.Background(), units, collector)
	require.NoError(t, err)
	assert.Equal(t, n, summary.Received)
	assert.Equal(t, n, summary.Succeeded)

	seen := make(map[string]int)
	for _, rec := range collector.records {
		seen[rec.APIID]++
	}
	require.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}

type fixedDeployer struct{}

func (fixedDeployer) Deploy(ctx context.Context, u models.SpecUnit) models.Record {
	return models.NewRecord(u.APIID, models.StatusOutcome(models.OutcomeCompleted, 200, ""))
}

type noopReconciler struct{}

func (noopReconciler) ReconcileAll(ctx context.Context, units []models.SpecUnit) map[string]error {
	return nil
}

// droppingCollector loses the last record it sees.
type droppingCollector struct{}

func (droppingCollector) Run(ctx context.Context, records <-chan models.Record) (models.Summary, error) {
	var s models.Summary
	n := 0
	for rec := range records {
		n++
		if n > 1 {
			s.Add(rec)
		}
	}
	return s, nil
}

func TestEngineDetectsLostResults(t *testing.T) {
	engine := NewEngine(noopReconciler{}, fixedDeployer{}, EngineConfig{Workers: 2, Logger: quiet})
	units := []models.SpecUnit{models.NewSpecUnit("a", "v1", "a"), models.NewSpecUnit("b", "v1", "b")}
	_, err := engine.Run(context.Background(), units, droppingCollector{})
	assert.True(t, errors.Is(err, ErrLostResults))
}
