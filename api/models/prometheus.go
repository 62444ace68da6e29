package models

import (
	"fmt"
	"strconv"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the outer {status, data} shape of every successful response.
type Envelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// ErrorResponse is the Prometheus error envelope.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
}

// SamplePair serializes as [unix_seconds, "value"], timestamp with
// fractional precision and the value as a string.
type SamplePair struct {
	Ts    float64
	Value float64
}

func (p SamplePair) MarshalJSON() ([]byte, error) {
	ts := strconv.FormatFloat(p.Ts, 'f', -1, 64)
	value := strconv.FormatFloat(p.Value, 'g', -1, 64)
	return []byte(fmt.Sprintf(`[%s,%q]`, ts, value)), nil
}

// VectorResult is one instant-vector entry.
type VectorResult struct {
	Metric map[string]string `json:"metric"`
	Value  SamplePair        `json:"value"`
}

// MatrixResult is one range-vector stream.
type MatrixResult struct {
	Metric map[string]string `json:"metric"`
	Values []SamplePair      `json:"values"`
}

// QueryData is the data member for /query and /query_range.
type QueryData struct {
	ResultType string      `json:"resultType"`
	Result     interface{} `json:"result"`
}

// BuildInfo mimics the fixed Prometheus /status/buildinfo payload.
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Branch    string `json:"branch"`
	BuildUser string `json:"buildUser"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

func NewVectorEnvelope(result []VectorResult) Envelope {
	if result == nil {
		result = []VectorResult{}
	}
	return Envelope{Status: StatusSuccess, Data: QueryData{ResultType: "vector", Result: result}}
}

func NewMatrixEnvelope(result []MatrixResult) Envelope {
	if result == nil {
		result = []MatrixResult{}
	}
	return Envelope{Status: StatusSuccess, Data: QueryData{ResultType: "matrix", Result: result}}
}

// NewSeriesEnvelope wraps /series label maps.
func NewSeriesEnvelope(series []map[string]string) Envelope {
	if series == nil {
		series = []map[string]string{}
	}
	return Envelope{Status: StatusSuccess, Data: series}
}

// NewStringsEnvelope wraps /labels and /label/<name>/values payloads.
func NewStringsEnvelope(values []string) Envelope {
	if values == nil {
		values = []string{}
	}
	return Envelope{Status: StatusSuccess, Data: values}
}

func NewErrorResponse(errorType, message string) ErrorResponse {
	return ErrorResponse{Status: StatusError, ErrorType: errorType, Error: message}
}
