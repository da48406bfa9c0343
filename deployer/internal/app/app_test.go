package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apimsim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/config"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/specs"
)

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		TenantID:       "tenant",
		ClientID:       "client",
		ClientSecret:   "secret",
		SubscriptionID: "s",
		ResourceGroup:  "rg",
		ServiceName:    "gw",
		APIVersion:     "2021-08-01",
		ManagementURL:  baseURL,
		LoginURL:       baseURL,
		Scope:          "https://management.azure.com/.default",
		Workers:        2,
		PollInterval:   time.Millisecond,
		PollDeadline:   time.Minute,
		RequestTimeout: 5 * time.Second,
		ReportPath:     filepath.Join(t.TempDir(), "results.json"),
	}
}

func writeSpecs(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("openapi: 3.0.0\npaths: {}\n"), 0o644))
	}
	return dir
}

type countingLocator struct {
	inner specs.Locator
	calls int
}

func (c *countingLocator) Locate(ctx context.Context) ([]models.SpecUnit, error) {
	c.calls++
	return c.inner.Locate(ctx)
}

func TestRunDeploysBatch(t *testing.T) {
	sim := apimsim.New(apimsim.Options{AsyncPolls: 1})
	sim.Script("users-v1", apimsim.Script{Submit: []int{http.StatusConflict}})
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	dir := writeSpecs(t, "orders-v1.yaml", "orders-v2.yaml", "users-v1.yaml")

	res, err := Run(context.Background(), cfg, specs.DirLocator{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.Received)
	assert.Equal(t, 3, res.Summary.Succeeded)
	assert.Equal(t, 1, res.Summary.ByKind[models.OutcomeConflict])
	assert.Equal(t, 0, ExitCode(res, err))
	assert.Equal(t, 1, sim.TokenRequests())
	assert.Equal(t, 1, sim.Submits("users-v1"))

	b, err := os.ReadFile(res.ReportPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, string(b), `{"users-v1":409}`)
	assert.Contains(t, string(b), `{"orders-v1":200}`)
}

func TestRunCredentialFailureDispatchesNothing(t *testing.T) {
	sim := apimsim.New(apimsim.Options{TokenStatus: http.StatusUnauthorized})
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	loc := &countingLocator{inner: specs.DirLocator{Dir: writeSpecs(t, "orders-v1.yaml")}}

	res, err := Run(context.Background(), cfg, loc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrAuth))
	assert.Equal(t, 0, loc.calls)
	assert.Equal(t, 0, sim.TotalSubmits())
	assert.Empty(t, sim.Events())
	assert.Equal(t, 0, res.Summary.Received)
	assert.Equal(t, 1, ExitCode(res, err))
	assert.Contains(t, Describe(err), "nothing was deployed")

	_, statErr := os.Stat(cfg.ReportPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunNoSpecs(t *testing.T) {
	sim := apimsim.New(apimsim.Options{})
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	res, err := Run(context.Background(), testConfig(t, srv.URL), specs.DirLocator{Dir: t.TempDir()})
	assert.True(t, errors.Is(err, specs.ErrNoSpecs))
	assert.Equal(t, 1, ExitCode(res, err))
	assert.Equal(t, "no spec files found, nothing to deploy", Describe(err))
}

func TestRunFailedUnitExitsNonZero(t *testing.T) {
	sim := apimsim.New(apimsim.Options{})
	sim.Script("orders-v1", apimsim.Script{Submit: []int{http.StatusInternalServerError}})
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	res, err := Run(context.Background(), testConfig(t, srv.URL), specs.DirLocator{Dir: writeSpecs(t, "orders-v1.yaml", "users-v1.yaml")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Failed)
	assert.Equal(t, 1, ExitCode(res, err))
}
