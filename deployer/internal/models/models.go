// Package models contains the types shared by the deployer subsystems.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// VersioningScheme is the only scheme this deployer creates version sets with.
	VersioningScheme = "Header"
	// VersionHeaderName is the request header that selects an API version at the gateway.
	VersionHeaderName = "X-API-VERSION"
)

// SpecUnit is one API version sourced from one spec file.
type SpecUnit struct {
	APIPath      string `json:"apiPath"`
	APIVersion   string `json:"apiVersion"`
	APIID        string `json:"apiId"`
	SpecFilePath string `json:"specFilePath"`
}

// NewSpecUnit builds a SpecUnit and derives its APIID.
func NewSpecUnit(apiPath, apiVersion, specFilePath string) SpecUnit {
	return SpecUnit{
		APIPath:      apiPath,
		APIVersion:   apiVersion,
		APIID:        apiPath + "-" + apiVersion,
		SpecFilePath: specFilePath,
	}
}

// VersionSet groups every version of one logical API.
type VersionSet struct {
	APIPath           string
	DisplayName       string
	VersioningScheme  string
	VersionHeaderName string
}

// NewVersionSet returns the fixed version-set shape for apiPath.
func NewVersionSet(apiPath string) VersionSet {
	return VersionSet{
		APIPath:           apiPath,
		DisplayName:       apiPath,
		VersioningScheme:  VersioningScheme,
		VersionHeaderName: VersionHeaderName,
	}
}

// OutcomeKind classifies how a deployment operation ended.
type OutcomeKind string

const (
	OutcomeCompleted           OutcomeKind = "completed"
	OutcomeConflict            OutcomeKind = "conflict"
	OutcomeNotFound            OutcomeKind = "not_found"
	OutcomeUpstreamUnavailable OutcomeKind = "upstream_unavailable"
	OutcomeFailed              OutcomeKind = "failed"
	OutcomeTransportError      OutcomeKind = "transport_error"
	OutcomeTimedOut            OutcomeKind = "timed_out"
	OutcomeInvalidSpec         OutcomeKind = "invalid_spec"
)

// Outcome is the terminal state of one deployment operation. StatusCode is zero when the
// operation never received a terminal HTTP response.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	StatusCode int         `json:"statusCode,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// StatusOutcome builds an outcome that carries an HTTP status code.
func StatusOutcome(kind OutcomeKind, status int, detail string) Outcome {
	return Outcome{Kind: kind, StatusCode: status, Detail: detail}
}

// ErrorOutcome builds an outcome for a failure that produced no status code.
func ErrorOutcome(kind OutcomeKind, err error) Outcome {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return Outcome{Kind: kind, Detail: detail}
}

// Succeeded reports whether the unit ended in a state the gateway considers deployed.
// A conflict means the control plane already holds the requested state.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeCompleted || o.Kind == OutcomeConflict
}

// ReportValue is the value written to the report line: the status code when there is one,
// otherwise the error text.
func (o Outcome) ReportValue() interface{} {
	if o.StatusCode != 0 {
		return o.StatusCode
	}
	if o.Detail != "" {
		return fmt.Sprintf("%s: %s", o.Kind, o.Detail)
	}
	return string(o.Kind)
}

func (o Outcome) String() string {
	if o.StatusCode != 0 {
		return fmt.Sprintf("%s (%d)", o.Kind, o.StatusCode)
	}
	return string(o.Kind)
}

// Record is the single result emitted for a SpecUnit.
type Record struct {
	APIID      string    `json:"apiId"`
	Outcome    Outcome   `json:"outcome"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NewRecord stamps a record with the current time.
func NewRecord(apiID string, outcome Outcome) Record {
	return Record{APIID: apiID, Outcome: outcome, FinishedAt: time.Now().UTC()}
}

// MarshalReportLine serializes the record as the `{apiId: outcome}` report line.
func (r Record) MarshalReportLine() ([]byte, error) {
	return json.Marshal(map[string]interface{}{r.APIID: r.Outcome.ReportValue()})
}

// Summary describes a drained result channel.
type Summary struct {
	RunID     string              `json:"runId"`
	Received  int                 `json:"received"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	ByKind    map[OutcomeKind]int `json:"byKind"`
}

// Add counts one record.
func (s *Summary) Add(rec Record) {
	if s.ByKind == nil {
		s.ByKind = make(map[OutcomeKind]int)
	}
	s.Received++
	s.ByKind[rec.Outcome.Kind]++
	if rec.Outcome.Succeeded() {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// NewRunID returns a freshly-generated run identifier.
func NewRunID() string {
	return uuid.New().String()
}
