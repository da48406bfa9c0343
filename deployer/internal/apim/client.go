// Package apim talks to the API Management control plane through the ARM management API.
package apim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

const (
	// HeaderAsyncOperation is the preferred status-check location of an accepted write.
	HeaderAsyncOperation = "Azure-AsyncOperation"
	// HeaderLocation is the fallback status-check location.
	HeaderLocation = "Location"

	maxBodyBytes = 1 << 20
)

type ClientConfig struct {
	// ManagementURL is the ARM endpoint, e.g. https://management.azure.com.
	ManagementURL string
	// ServiceResourceID is /subscriptions/{sub}/resourceGroups/{rg}/providers/Microsoft.ApiManagement/service/{name}.
	ServiceResourceID string
	APIVersion        string
	Tokens            auth.TokenSource
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *log.Logger
}

type Client struct {
	managementURL string
	serviceID     string
	apiVersion    string
	tokens        auth.TokenSource
	timeout       time.Duration
	client        *http.Client
	logger        *log.Logger
}

// Response is a fully-read control-plane response. Client methods return either a
// Response or an error, never both.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Text returns the body for log and outcome detail.
func (r Response) Text() string {
	s := strings.TrimSpace(string(r.Body))
	if len(s) > 2048 {
		s = s[:2048] + "..."
	}
	return s
}

// AsyncLocation returns the status-check location of a 202: Azure-AsyncOperation when
// present, otherwise Location.
func (r Response) AsyncLocation() string {
	if v := r.Header.Get(HeaderAsyncOperation); v != "" {
		return v
	}
	return r.Header.Get(HeaderLocation)
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ManagementURL == "" || cfg.ServiceResourceID == "" {
		return nil, fmt.Errorf("apim: management url and service resource id required")
	}
	if cfg.APIVersion == "" {
		return nil, fmt.Errorf("apim: api version required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("apim: token source required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[apim] ", log.LstdFlags)
	}
	return &Client{
		managementURL: strings.TrimSuffix(cfg.ManagementURL, "/"),
		serviceID:     strings.TrimSuffix(cfg.ServiceResourceID, "/"),
		apiVersion:    cfg.APIVersion,
		tokens:        cfg.Tokens,
		timeout:       timeout,
		client:        client,
		logger:        logger,
	}, nil
}

// VersionSetID is the resource id a new API references to join apiPath's version set.
func (c *Client) VersionSetID(apiPath string) string {
	return c.serviceID + "/apiVersionSets/" + url.PathEscape(apiPath)
}

func (c *Client) versionSetURL(apiPath string) string {
	return c.resourceURL(c.VersionSetID(apiPath))
}

func (c *Client) apiURL(apiID string) string {
	return c.resourceURL(c.serviceID + "/apis/" + url.PathEscape(apiID))
}

func (c *Client) resourceURL(id string) string {
	q := url.Values{}
	q.Set("api-version", c.apiVersion)
	return c.managementURL + id + "?" + q.Encode()
}

func (c *Client) GetVersionSet(ctx context.Context, apiPath string) (Response, error) {
	return c.do(ctx, http.MethodGet, c.versionSetURL(apiPath), nil, nil)
}

type versionSetBody struct {
	Properties struct {
		DisplayName       string `json:"displayName"`
		VersioningScheme  string `json:"versioningScheme"`
		VersionHeaderName string `json:"versionHeaderName"`
	} `json:"properties"`
}

// PutVersionSet creates or updates a version set.
func (c *Client) PutVersionSet(ctx context.Context, vs models.VersionSet) (Response, error) {
	var body versionSetBody
	body.Properties.DisplayName = vs.DisplayName
	body.Properties.VersioningScheme = vs.VersioningScheme
	body.Properties.VersionHeaderName = vs.VersionHeaderName
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("apim marshal version set: %w", err)
	}
	return c.do(ctx, http.MethodPut, c.versionSetURL(vs.APIPath), payload, map[string]string{"If-Match": "*"})
}

type apiBody struct {
	Properties struct {
		APIVersion      string `json:"apiVersion"`
		APIVersionSetID string `json:"apiVersionSetId"`
		Path            string `json:"path"`
		Format          string `json:"format"`
		Value           string `json:"value"`
	} `json:"properties"`
}

// PutAPI uploads one spec document as API unit.APIID, unconditionally overwriting it.
func (c *Client) PutAPI(ctx context.Context, unit models.SpecUnit, spec []byte) (Response, error) {
	var body apiBody
	body.Properties.APIVersion = unit.APIVersion
	body.Properties.APIVersionSetID = c.VersionSetID(unit.APIPath)
	body.Properties.Path = unit.APIPath
	body.Properties.Format = "openapi"
	body.Properties.Value = string(spec)
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("apim marshal api: %w", err)
	}
	return c.do(ctx, http.MethodPut, c.apiURL(unit.APIID), payload, map[string]string{"If-Match": "*"})
}

// GetOperationStatus checks a long-running operation. Relative locations resolve against
// the management endpoint.
func (c *Client) GetOperationStatus(ctx context.Context, location string) (Response, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Response{}, fmt.Errorf("apim parse status location: %w", err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.managementURL)
		if err != nil {
			return Response{}, fmt.Errorf("apim parse management url: %w", err)
		}
		u = base.ResolveReference(u)
	}
	return c.do(ctx, http.MethodGet, u.String(), nil, nil)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, headers map[string]string) (Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("apim token: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return Response{}, fmt.Errorf("apim build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("apim %s %s: %w", method, redact(target), err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("apim read response: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// redact drops the query string, which for status locations may carry signatures.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
