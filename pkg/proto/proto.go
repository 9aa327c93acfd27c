package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Verdict is the single triage decision reported for a payload
type Verdict string

const (
	Benign     Verdict = "Benign"
	Undetected Verdict = "Undetected"
	Suspicious Verdict = "Suspicious"
	Malicious  Verdict = "Malicious"
)

// SeverityLabel is the band that goes 1:1 with a Verdict
type SeverityLabel string

const (
	SeverityNone   SeverityLabel = "None"
	SeverityLow    SeverityLabel = "Low"
	SeverityMedium SeverityLabel = "Medium"
	SeverityHigh   SeverityLabel = "High"
)

// Finding is one rule match produced by the detection engine
type Finding struct {
	Category    string `json:"category"    toml:"category"    yaml:"category"`
	RuleName    string `json:"rule_name"   toml:"rule_name"   yaml:"rule_name"`
	Description string `json:"description" toml:"description" yaml:"description"`
	// Severity is an ordinal from 0 to 4
	Severity int `json:"severity" toml:"severity" yaml:"severity"`
}

// CategorizedFindings groups findings by the category the engine listed
// them under
type CategorizedFindings map[string][]Finding

// Count returns the total number of findings across all categories
func (c CategorizedFindings) Count() int {
	n := 0

	for _, findings := range c {
		n += len(findings)
	}

	return n
}

// Request is a scan request sent by a client
type Request struct {
	// Hash is a hint from the client. It is never trusted or used as a key.
	Hash string
	// Data is the base64 encoded payload
	Data string
}

// UnmarshalJSON requires both hash and data to be present as strings
func (r *Request) UnmarshalJSON(data []byte) error {
	if r == nil {
		return errors.New("Request: UnmarshalJSON on nil pointer")
	}

	var tmp struct {
		Hash *string `json:"hash"`
		Data *string `json:"data"`
	}

	if err := json.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("could not unmarshal request: %w", err)
	}

	if tmp.Hash == nil {
		return fmt.Errorf("missing required field: field=%q", "hash")
	}

	if tmp.Data == nil {
		return fmt.Errorf("missing required field: field=%q", "data")
	}

	r.Hash = *tmp.Hash
	r.Data = *tmp.Data

	return nil
}

// Response is the triage result for one payload. Once built it is shared
// between callers and must not be modified.
type Response struct {
	Results  CategorizedFindings `json:"results"  toml:"results"  yaml:"results"`
	Hash     string              `json:"hash"     toml:"hash"     yaml:"hash"`
	Verdict  Verdict             `json:"verdict"  toml:"verdict"  yaml:"verdict"`
	Severity SeverityLabel       `json:"severity" toml:"severity" yaml:"severity"`
	Score    int                 `json:"score"    toml:"score"    yaml:"score"`
}

// ErrorResponse is sent instead of a Response when a message can't be
// handled at all
type ErrorResponse struct {
	Error string `json:"error" toml:"error" yaml:"error"`
}

const (
	// InvalidRequestFormat is returned for messages that aren't a valid Request
	InvalidRequestFormat = "Invalid request format"
	// FailedToSerializeResponse is returned when a Response can't be encoded
	FailedToSerializeResponse = "Failed to serialize response"
)
