package models

import (
	"encoding/json"
	"math"
	"time"
)

// ModuleInfo is a module's registration record in the network directory.
type ModuleInfo struct {
	Name         string             `json:"name"`
	Address      string             `json:"address"`
	Key          string             `json:"key"`
	Subnet       string             `json:"subnet,omitempty"`
	Functions    []string           `json:"functions"`
	Costs        map[string]float64 `json:"costs,omitempty"`
	Free         bool               `json:"free"`
	RegisteredAt time.Time          `json:"registered_at,omitempty"`
}

// Envelope is a signed request. Args and Kwargs stay raw so that the
// signature is checked against exactly what the caller serialized.
type Envelope struct {
	Args      json.RawMessage `json:"args"`
	Kwargs    json.RawMessage `json:"kwargs"`
	Timestamp json.Number     `json:"timestamp"`
	Key       string          `json:"key"`
	Signature string          `json:"signature"`
}

type Timing struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Latency float64 `json:"latency"`
}

// Response is a successful call result signed by the serving module.
type Response struct {
	Result    json.RawMessage `json:"result"`
	Signature string          `json:"signature"`
	Key       string          `json:"key"`
	Timing    Timing          `json:"timing"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// CallRecord is one accounting entry for an accepted call.
type CallRecord struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Fn        string    `json:"fn"`
	Cost      float64   `json:"cost"`
	Latency   float64   `json:"latency"`
	Timestamp time.Time `json:"timestamp"`
	Caller    string    `json:"caller"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ScoreEntry is the persisted score of one module, keyed by module key.
type ScoreEntry struct {
	Key     string    `json:"key"`
	Name    string    `json:"name"`
	Address string    `json:"address,omitempty"`
	Score   float64   `json:"score"`
	Latency float64   `json:"latency"`
	Time    time.Time `json:"time"`
	Error   string    `json:"error,omitempty"`
}

type Ballot struct {
	Modules []string  `json:"modules"`
	Weights []float64 `json:"weights"`
	Key     string    `json:"key"`
	Subnet  string    `json:"subnet"`
}

type VoteResult struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// UnixSeconds converts a time to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func FromUnixSeconds(sec float64) time.Time {
	whole := math.Floor(sec)
	frac := math.Round((sec - whole) * float64(time.Second))
	return time.Unix(int64(whole), int64(frac)).UTC()
}
