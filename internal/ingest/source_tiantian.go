package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

const (
	tiantianDefaultGz  = "https://fundgz.1234567.com.cn"
	tiantianDefaultF10 = "https://fundf10.eastmoney.com"
)

// TiantianAdapter reads intraday estimates from fundgz.1234567.com.cn and
// NAV history from the F10 data API. Holdings are not published there.
type TiantianAdapter struct {
	baseAdapter
	gzURL    string
	f10URL   string
	pageSize int
}

func NewTiantianAdapter(cfg SourceConfig, fetcher Fetcher) (*TiantianAdapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("tiantian: nil fetcher")
	}
	a := &TiantianAdapter{
		baseAdapter: baseAdapter{id: cfg.ID, fetcher: fetcher},
		gzURL:       strings.TrimRight(cfg.GzURL, "/"),
		f10URL:      strings.TrimRight(cfg.F10URL, "/"),
		pageSize:    cfg.PageSize,
	}
	if a.id == "" {
		a.id = "tiantian"
	}
	if a.gzURL == "" {
		a.gzURL = tiantianDefaultGz
	}
	if a.f10URL == "" {
		a.f10URL = tiantianDefaultF10
	}
	if a.pageSize <= 0 {
		a.pageSize = 20
	}
	return a, nil
}

func (a *TiantianAdapter) BuildURL(fundCode string, dataType models.DataType) (string, error) {
	if err := a.checkCode(fundCode); err != nil {
		return "", err
	}
	code := url.PathEscape(strings.TrimSpace(fundCode))
	switch dataType {
	case models.DataTypeBasicInfo:
		return fmt.Sprintf("%s/js/%s.js", a.gzURL, code), nil
	case models.DataTypeDailySeries:
		return fmt.Sprintf("%s/f10/F10DataApi.aspx?type=lsjz&code=%s&page=1&per=%d", a.f10URL, code, a.pageSize), nil
	}
	return "", unsupportedDataType(a.id, dataType)
}

func (a *TiantianAdapter) Parse(raw []byte, dataType models.DataType) ([]models.Record, error) {
	switch dataType {
	case models.DataTypeBasicInfo:
		return a.parseEstimate(raw)
	case models.DataTypeDailySeries:
		return a.parseHistory(raw)
	}
	return nil, unsupportedDataType(a.id, dataType)
}

type gzPayload struct {
	FundCode string `json:"fundcode"`
	Name     string `json:"name"`
	NAVDate  string `json:"jzrq"`
	NAV      string `json:"dwjz"`
	Estimate string `json:"gsz"`
	Growth   string `json:"gszzl"`
	GzTime   string `json:"gztime"`
}

func (a *TiantianAdapter) parseEstimate(raw []byte) ([]models.Record, error) {
	body, ok := unwrapCall(raw, "jsonpgz")
	if !ok {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "not a jsonpgz callback")
	}
	// Unknown or delisted funds come back as `jsonpgz();`.
	if body == "" {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "empty estimate")
	}

	var p gzPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "json: %v", err)
	}
	if p.FundCode == "" || p.Name == "" {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "missing fund code or name")
	}

	nav, err := parseDecimal(p.NAV)
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "dwjz %q: %v", p.NAV, err)
	}
	rec := &models.FundBasic{
		Code:      p.FundCode,
		Name:      cleanText(p.Name),
		LatestNAV: nav,
	}
	if d, err := parseDate(p.NAVDate); err == nil {
		rec.NAVDate = d.Format(dateLayout)
	}
	if rec.Estimate, err = parseOptionalDecimal(p.Estimate); err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "gsz %q: %v", p.Estimate, err)
	}
	if rec.EstimateGrowth, err = parseOptionalDecimal(p.Growth); err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "gszzl %q: %v", p.Growth, err)
	}
	if t, err := parseDateTime(p.GzTime); err == nil {
		rec.EstimatedAt = t.Format(dateTimeLayout)
	}
	return []models.Record{rec}, nil
}

func (a *TiantianAdapter) parseHistory(raw []byte) ([]models.Record, error) {
	content, err := extractAPIDataContent(raw)
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "%v", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "html: %v", err)
	}
	if doc.Find("table").Length() == 0 {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "no NAV table")
	}

	records := []models.Record{}
	var rowErr error
	doc.Find("table tbody tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		// "no data" rows span the whole table in a single cell.
		if cells.Length() < 4 {
			return true
		}
		text := func(idx int) string { return cleanText(cells.Eq(idx).Text()) }
		nav, err := dailyNAVFromStrings(text(0), text(1), text(2), text(3))
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", i, err)
			return false
		}
		records = append(records, nav)
		return true
	})
	if rowErr != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "%v", rowErr)
	}
	return records, nil
}
