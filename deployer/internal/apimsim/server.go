// Package apimsim serves an in-memory imitation of the API Management control-plane
// endpoints the deployer uses, with per-API scripted responses. It backs the protocol
// tests and the apim-sim dev binary.
package apimsim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Script drives the responses for one api id. Each list is consumed one entry per call and
// its last entry repeats.
type Script struct {
	Submit []int
	Polls  []int
	// NoLocation answers a 202 submit without any status-check header.
	NoLocation bool
	// LocationOnly puts the status location in Location instead of Azure-AsyncOperation.
	LocationOnly bool
}

type Options struct {
	// Token is the bearer token the simulator issues and accepts. Defaults to "sim-token".
	Token string
	// TokenStatus overrides the token endpoint status when non-zero.
	TokenStatus int
	// AsyncPolls makes unscripted submits return 202 and stay pending for that many polls.
	AsyncPolls int
	// Latency, when set, is slept before every control-plane response.
	Latency func() time.Duration
}

// Event is one mutating call, in the order the simulator served them.
type Event struct {
	Kind string
	Key  string
}

type VersionSet struct {
	DisplayName       string `json:"displayName"`
	VersioningScheme  string `json:"versioningScheme"`
	VersionHeaderName string `json:"versionHeaderName"`
}

type API struct {
	APIVersion      string `json:"apiVersion"`
	APIVersionSetID string `json:"apiVersionSetId"`
	Path            string `json:"path"`
	Format          string `json:"format"`
	Value           string `json:"value"`
}

type operation struct {
	apiID   string
	api     API
	polls   int
	pending int
}

type Server struct {
	opts Options

	mu             sync.Mutex
	versionSets    map[string]VersionSet
	apis           map[string]API
	scripts        map[string]Script
	ops            map[string]*operation
	versionSetGets map[string]int
	versionSetPuts map[string]int
	submits        map[string]int
	polls          map[string]int
	tokenRequests  int
	events         []Event
}

func New(opts Options) *Server {
	if opts.Token == "" {
		opts.Token = "sim-token"
	}
	return &Server{
		opts:           opts,
		versionSets:    make(map[string]VersionSet),
		apis:           make(map[string]API),
		scripts:        make(map[string]Script),
		ops:            make(map[string]*operation),
		versionSetGets: make(map[string]int),
		versionSetPuts: make(map[string]int),
		submits:        make(map[string]int),
		polls:          make(map[string]int),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/{tenant}/oauth2/v2.0/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.latency)
		r.Use(s.requireBearer)
		r.Get("/operations/{opID}", s.handleOperation)
		r.Route("/subscriptions/{sub}/resourceGroups/{rg}/providers/Microsoft.ApiManagement/service/{svc}", func(r chi.Router) {
			r.Use(requireAPIVersion)
			r.Get("/apiVersionSets/{vsID}", s.handleGetVersionSet)
			r.Put("/apiVersionSets/{vsID}", s.handlePutVersionSet)
			r.Put("/apis/{apiID}", s.handlePutAPI)
		})
	})
	return r
}

// Script installs the response script for apiID.
func (s *Server) Script(apiID string, sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[apiID] = sc
}

// SeedVersionSet stores a version set as if it already existed.
func (s *Server) SeedVersionSet(apiPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionSets[apiPath] = VersionSet{DisplayName: apiPath, VersioningScheme: "Header", VersionHeaderName: "X-API-VERSION"}
}

func (s *Server) Submits(apiID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[apiID]
}

func (s *Server) Polls(apiID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[apiID]
}

func (s *Server) VersionSetGets(apiPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionSetGets[apiPath]
}

func (s *Server) VersionSetPuts(apiPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionSetPuts[apiPath]
}

func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// TotalSubmits counts API uploads across all ids.
func (s *Server) TotalSubmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.submits {
		n += c
	}
	return n
}

func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *Server) API(apiID string) (API, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apis[apiID]
	return a, ok
}

func (s *Server) VersionSet(apiPath string) (VersionSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.versionSets[apiPath]
	return vs, ok
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	status := s.opts.TokenStatus
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		respondJSON(w, status, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token_type":   "Bearer",
		"access_token": s.opts.Token,
		"expires_in":   3599,
	})
}

func (s *Server) handleGetVersionSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vsID")
	s.mu.Lock()
	s.versionSetGets[id]++
	vs, ok := s.versionSets[id]
	s.mu.Unlock()

	if !ok {
		respondJSON(w, http.StatusNotFound, errorBody("ResourceNotFound", "Version set not found."))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"name": id, "properties": vs})
}

func (s *Server) handlePutVersionSet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "vsID")
	var body struct {
		Properties VersionSet `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Properties.DisplayName == "" {
		respondJSON(w, http.StatusBadRequest, errorBody("ValidationError", "displayName required"))
		return
	}

	s.mu.Lock()
	s.versionSetPuts[id]++
	_, existed := s.versionSets[id]
	s.versionSets[id] = body.Properties
	s.events = append(s.events, Event{Kind: "versionset.put", Key: id})
	s.mu.Unlock()

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{"name": id, "properties": body.Properties})
}

func (s *Server) handlePutAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "apiID")
	if r.Header.Get("If-Match") != "*" {
		respondJSON(w, http.StatusPreconditionFailed, errorBody("PreconditionFailed", "If-Match required"))
		return
	}
	var body struct {
		Properties API `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody("ValidationError", err.Error()))
		return
	}

	s.mu.Lock()
	s.submits[id]++
	attempt := s.submits[id]
	s.events = append(s.events, Event{Kind: "api.put", Key: id})
	sc, scripted := s.scripts[id]
	vsName := body.Properties.APIVersionSetID[strings.LastIndex(body.Properties.APIVersionSetID, "/")+1:]
	_, vsExists := s.versionSets[vsName]
	_, existed := s.apis[id]
	s.mu.Unlock()

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	switch {
	case scripted && len(sc.Submit) > 0:
		status = pick(sc.Submit, attempt)
	case !vsExists:
		respondJSON(w, http.StatusBadRequest, errorBody("ValidationError", fmt.Sprintf("Version set %s not found.", vsName)))
		return
	case s.opts.AsyncPolls > 0:
		status = http.StatusAccepted
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		s.mu.Lock()
		s.apis[id] = body.Properties
		s.mu.Unlock()
		respondJSON(w, status, map[string]interface{}{"name": id, "properties": body.Properties})
	case http.StatusAccepted:
		if sc.NoLocation {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		opID := uuid.NewString()
		s.mu.Lock()
		s.ops[opID] = &operation{apiID: id, api: body.Properties, pending: s.opts.AsyncPolls}
		s.mu.Unlock()
		loc := fmt.Sprintf("http://%s/operations/%s", r.Host, opID)
		if sc.LocationOnly {
			w.Header().Set("Location", loc)
		} else {
			w.Header().Set("Azure-AsyncOperation", loc)
		}
		w.WriteHeader(http.StatusAccepted)
	case http.StatusConflict:
		respondJSON(w, status, errorBody("Conflict", "Operation on the API is in progress."))
	case http.StatusNotFound:
		respondJSON(w, status, errorBody("ResourceNotFound", "Service not found."))
	default:
		respondJSON(w, status, errorBody("Error", http.StatusText(status)))
	}
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")
	s.mu.Lock()
	op, ok := s.ops[opID]
	if !ok {
		s.mu.Unlock()
		respondJSON(w, http.StatusNotFound, errorBody("OperationNotFound", "Unknown operation."))
		return
	}
	op.polls++
	s.polls[op.apiID]++
	sc, scripted := s.scripts[op.apiID]
	var status int
	switch {
	case scripted && len(sc.Polls) > 0:
		status = pick(sc.Polls, op.polls)
	case op.polls <= op.pending:
		status = http.StatusAccepted
	default:
		status = http.StatusOK
	}
	if status == http.StatusOK || status == http.StatusCreated {
		s.apis[op.apiID] = op.api
	}
	s.mu.Unlock()

	switch status {
	case http.StatusAccepted:
		respondJSON(w, status, map[string]string{"status": "InProgress"})
	case http.StatusOK, http.StatusCreated:
		respondJSON(w, status, map[string]string{"status": "Succeeded"})
	default:
		respondJSON(w, status, errorBody("OperationFailed", http.StatusText(status)))
	}
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			respondJSON(w, http.StatusUnauthorized, errorBody("AuthenticationFailed", "Invalid bearer token."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) latency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Latency != nil {
			time.Sleep(s.opts.Latency())
		}
		next.ServeHTTP(w, r)
	})
}

func requireAPIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") == "" {
			respondJSON(w, http.StatusBadRequest, errorBody("MissingApiVersionParameter", "The api-version query parameter is required."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pick(seq []int, attempt int) int {
	if attempt > len(seq) {
		return seq[len(seq)-1]
	}
	return seq[attempt-1]
}

func errorBody(code, message string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]string{"code": code, "message": message}}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
