package qmt

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/qmtlab/qmt-bridge-go/internal/models"
)

// HealthResponse reports sidecar liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse is the sidecar's error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConnectionResponse reports whether the native client still holds its
// connection to the data service.
type ConnectionResponse struct {
	Connected bool `json:"connected"`
}

// DownloadKlineRequest asks the sidecar to start a history download.
type DownloadKlineRequest struct {
	Instruments   []string      `json:"instruments"`
	Period        models.Period `json:"period"`
	StartTime     string        `json:"start_time"`
	EndTime       string        `json:"end_time"`
	Incrementally bool          `json:"incrementally"`
}

// DownloadAck is the immediate return of a download request. Cached means the
// native call reported the request as already satisfied; in that case no
// progress events will ever be emitted for TaskID and the caller must confirm
// data presence through a local read instead.
type DownloadAck struct {
	Cached bool   `json:"cached"`
	TaskID string `json:"task_id"`
}

// ProgressEvent mirrors the native progress callback payload. A negative
// Total signals a hard error, with Message carrying the native description.
type ProgressEvent struct {
	Finished int64  `json:"finished"`
	Total    int64  `json:"total"`
	Message  string `json:"message,omitempty"`
}

// Done reports whether the event marks download completion.
func (e *ProgressEvent) Done() bool {
	return e.Total > 0 && e.Finished >= e.Total
}

// Failed reports whether the event carries an error payload.
func (e *ProgressEvent) Failed() bool {
	return e.Total < 0
}

// LocalKlineRequest reads bars from the native client's on-disk cache.
// Count > 0 limits the response to the most recent Count bars per instrument.
type LocalKlineRequest struct {
	Instruments []string      `json:"instruments"`
	Period      models.Period `json:"period"`
	StartTime   string        `json:"start_time"`
	EndTime     string        `json:"end_time"`
	Count       int           `json:"count"`
}

// WireBar is one cached bar as serialized by the sidecar. Different native
// call variants report the bar time either as epoch milliseconds or as a
// formatted timestamp string; exactly one of TimeMs/Time is set.
type WireBar struct {
	TimeMs int64           `json:"time_ms,omitempty"`
	Time   string          `json:"time,omitempty"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Amount decimal.Decimal `json:"amount"`
}

// LocalKlineResponse maps instrument code to its cached bars. Instruments
// without local data are absent from the map or carry an empty slice.
type LocalKlineResponse struct {
	Data map[string][]WireBar `json:"data"`
}

// FinancialDataRequest reads cached financial-statement tables.
type FinancialDataRequest struct {
	Instruments []string `json:"instruments"`
	Tables      []string `json:"tables"`
}

// FinancialDataResponse maps instrument -> table -> records.
type FinancialDataResponse struct {
	Data map[string]map[string][]models.FinancialRecord `json:"data"`
}

// FinancialDownloadRequest triggers a blocking financial download.
type FinancialDownloadRequest struct {
	Instruments []string `json:"instruments"`
	Tables      []string `json:"tables"`
}

// StockListResponse is the instrument list of one sector.
type StockListResponse struct {
	Instruments []string `json:"instruments"`
}

// StatusResponse acknowledges a parameterless universe download.
type StatusResponse struct {
	Status string `json:"status"`
}
