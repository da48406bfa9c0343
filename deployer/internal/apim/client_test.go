package apim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apimsim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

const serviceID = "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.ApiManagement/service/gw"

func newClient(t *testing.T, baseURL string, tokens auth.TokenSource) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		ManagementURL:     baseURL,
		ServiceResourceID: serviceID,
		APIVersion:        "2021-08-01",
		Tokens:            tokens,
	})
	require.NoError(t, err)
	return c
}

func TestPutAPIRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, serviceID+"/apis/orders-v1", r.URL.Path)
		assert.Equal(t, "2021-08-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "*", r.Header.Get("If-Match"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Properties map[string]string `json:"properties"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{
			"apiVersion":      "v1",
			"apiVersionSetId": serviceID + "/apiVersionSets/orders",
			"path":            "orders",
			"format":          "openapi",
			"value":           "openapi: 3.0.0\n",
		}, body.Properties)

		w.Header().Set("Location", "/operations/1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, auth.StaticToken("tok"))
	resp, err := c.PutAPI(context.Background(), models.NewSpecUnit("orders", "v1", "orders-v1.yaml"), []byte("openapi: 3.0.0\n"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/operations/1", resp.AsyncLocation())
}

func TestAsyncLocationPrefersAzureHeader(t *testing.T) {
	r := Response{Header: http.Header{}}
	r.Header.Set(HeaderLocation, "https://loc")
	assert.Equal(t, "https://loc", r.AsyncLocation())
	r.Header.Set(HeaderAsyncOperation, "https://async")
	assert.Equal(t, "https://async", r.AsyncLocation())
}

func TestVersionSetRoundTripAgainstSimulator(t *testing.T) {
	sim := apimsim.New(apimsim.Options{})
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()
	c := newClient(t, srv.URL, auth.StaticToken("sim-token"))

	resp, err := c.GetVersionSet(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = c.PutVersionSet(context.Background(), models.NewVersionSet("orders"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	vs, ok := sim.VersionSet("orders")
	require.True(t, ok)
	assert.Equal(t, "Header", vs.VersioningScheme)
	assert.Equal(t, "X-API-VERSION", vs.VersionHeaderName)

	resp, err = c.GetVersionSet(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetOperationStatusResolvesRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/42", r.URL.Path)
		assert.Empty(t, r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"status":"InProgress"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, auth.StaticToken("tok"))
	resp, err := c.GetOperationStatus(context.Background(), "/operations/42")
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, resp.Text(), "InProgress")
}

func TestTransportAndTokenErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newClient(t, url, auth.StaticToken("tok"))
	_, err := c.GetVersionSet(context.Background(), "orders")
	require.Error(t, err)

	c = newClient(t, url, auth.StaticToken(""))
	_, err = c.GetVersionSet(context.Background(), "orders")
	assert.True(t, errors.Is(err, auth.ErrAuth))
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(ClientConfig{ManagementURL: "http://x", ServiceResourceID: serviceID, APIVersion: "v"})
	require.Error(t, err)
}
