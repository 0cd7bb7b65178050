package api

import (
	"github.com/shopspring/decimal"

	"inventory-core/pkg/types"
)

// errorResponse is the REST error body. Fields carries per-field messages
// for VALIDATION failures.
type errorResponse struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// recalculateRequest reprocesses positions in a calculation status.
type recalculateRequest struct {
	BusinessDate types.Date              `json:"businessDate"`
	Status       types.CalculationStatus `json:"status"`
}

type recalculateResponse struct {
	Recalculated int `json:"recalculated"`
}

// orderRequest is shared by validation and usage update.
type orderRequest struct {
	ClientID          string          `json:"clientId"`
	AggregationUnitID string          `json:"aggregationUnitId"`
	SecurityID        string          `json:"securityId"`
	OrderType         types.OrderType `json:"orderType"`
	Quantity          decimal.Decimal `json:"quantity"`
}

type validationResponse struct {
	Valid bool `json:"valid"`
}

// locateRequest consumes locate availability.
type locateRequest struct {
	SecurityID   string          `json:"securityId"`
	BusinessDate types.Date      `json:"businessDate"`
	Quantity     decimal.Decimal `json:"quantity"`
}

type healthResponse struct {
	Status string `json:"status"`
}
