package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV record read back from the native client's local cache.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
	Amount decimal.Decimal `json:"amount"`
}

// FinancialRecord is one row of a financial-statement table. Only the fields
// the orchestration layer consumes are mapped; everything else stays on the
// sidecar side.
type FinancialRecord struct {
	ReportDate   string `json:"report_date"`   // YYYYMMDD
	AnnounceDate string `json:"announce_date"` // YYYYMMDD, m_anntime in the native schema
}

// KlineResponse is the API payload for local kline reads.
type KlineResponse struct {
	Instrument string    `json:"instrument"`
	Period     Period    `json:"period"`
	Bars       []Bar     `json:"bars"`
	Cached     bool      `json:"cached"`
	Timestamp  time.Time `json:"timestamp"`
}
