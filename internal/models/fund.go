package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DataType selects which adapter method and which record schema applies.
type DataType string

const (
	DataTypeBasicInfo   DataType = "basic-info"
	DataTypeDailySeries DataType = "daily-series"
	DataTypeHoldings    DataType = "holdings"
)

// AllDataTypes lists every data type in declaration order.
func AllDataTypes() []DataType {
	return []DataType{DataTypeBasicInfo, DataTypeDailySeries, DataTypeHoldings}
}

// ParseDataType accepts the canonical tags and the legacy fund_* names.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic-info", "fund_basic":
		return DataTypeBasicInfo, nil
	case "daily-series", "fund_daily":
		return DataTypeDailySeries, nil
	case "holdings", "fund_holdings":
		return DataTypeHoldings, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDataType, s)
}

func (d DataType) Valid() bool {
	switch d {
	case DataTypeBasicInfo, DataTypeDailySeries, DataTypeHoldings:
		return true
	}
	return false
}

func (d DataType) String() string { return string(d) }

// Record is one parsed, typed row of a structured record.
type Record interface {
	Kind() DataType
}

// FundBasic is the basic-info projection of a fund page.
type FundBasic struct {
	Code           string           `json:"code"`
	Name           string           `json:"name"`
	FundType       string           `json:"fund_type,omitempty"`
	LatestNAV      decimal.Decimal  `json:"latest_nav"`
	NAVDate        string           `json:"nav_date,omitempty"`
	Estimate       *decimal.Decimal `json:"estimate,omitempty"`
	EstimateGrowth *decimal.Decimal `json:"estimate_growth,omitempty"`
	EstimatedAt    string           `json:"estimated_at,omitempty"`
}

func (FundBasic) Kind() DataType { return DataTypeBasicInfo }

// DailyNAV is one row of a fund's net asset value history.
type DailyNAV struct {
	Date        string           `json:"date"`
	NAV         decimal.Decimal  `json:"nav"`
	AccumNAV    *decimal.Decimal `json:"accum_nav,omitempty"`
	DailyGrowth *decimal.Decimal `json:"daily_growth,omitempty"` // percent
}

func (DailyNAV) Kind() DataType { return DataTypeDailySeries }

// Holding is one stock position disclosed in a fund report.
type Holding struct {
	StockCode    string           `json:"stock_code"`
	StockName    string           `json:"stock_name"`
	Ratio        decimal.Decimal  `json:"ratio"` // percent of net assets
	Shares       *decimal.Decimal `json:"shares,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
	ReportPeriod string           `json:"report_period,omitempty"`
}

func (Holding) Kind() DataType { return DataTypeHoldings }

// RawPayload is the unmodified response body for one (fund, data type) fetch.
// Payloads are append-only.
type RawPayload struct {
	ID        int64     `json:"id"`
	SourceID  string    `json:"source_id"`
	FundCode  string    `json:"fund_code"`
	DataType  DataType  `json:"data_type"`
	URL       string    `json:"url"`
	Content   []byte    `json:"-"`
	FetchedAt time.Time `json:"fetched_at"`
}

// StructuredRecord is the current parsed projection for a
// (source, fund, data type) key. Saving one supersedes the previous.
type StructuredRecord struct {
	SourceID     string    `json:"source_id"`
	FundCode     string    `json:"fund_code"`
	DataType     DataType  `json:"data_type"`
	RawPayloadID int64     `json:"raw_payload_id"`
	Records      []Record  `json:"records"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FundListing is one entry of a provider's fund catalog.
type FundListing struct {
	Code      string `json:"fund_code"`
	ShortName string `json:"short_name"`
	Name      string `json:"fund_name"`
	FundType  string `json:"fund_type"`
	Pinyin    string `json:"pinyin"`
}
