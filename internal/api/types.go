package api

import (
	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// ListResponse is one page of executions.
type ListResponse = execution.ListResult

// RetryResponse names the execution created by a retry.
type RetryResponse = execution.RetryResult

// TestRequest asks for a dry run of the agent's plan.
type TestRequest = dryrun.TestRequest

// AcceptedResponse acknowledges a report queued for ingestion.
type AcceptedResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"executionId"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
