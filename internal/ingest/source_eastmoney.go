package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/PuerkitoBio/goquery"

	"github.com/fundscrape/fund-acquisition/internal/models"
)

const (
	eastmoneyDefaultBase    = "https://fund.eastmoney.com"
	eastmoneyDefaultAPI     = "https://api.fund.eastmoney.com"
	eastmoneyDefaultCatalog = "https://fund.eastmoney.com/js/fundcode_search.js"
)

var isoDateRegex = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// EastmoneyAdapter reads fund pages and the JSON API of fund.eastmoney.com.
type EastmoneyAdapter struct {
	baseAdapter
	baseURL    string
	apiURL     string
	catalogURL string
	pageSize   int
	topline    int
}

func NewEastmoneyAdapter(cfg SourceConfig, fetcher Fetcher) (*EastmoneyAdapter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("eastmoney: nil fetcher")
	}
	a := &EastmoneyAdapter{
		baseAdapter: baseAdapter{id: cfg.ID, fetcher: fetcher},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		catalogURL:  cfg.CatalogURL,
		pageSize:    cfg.PageSize,
		topline:     cfg.HoldingsTopline,
	}
	if a.id == "" {
		a.id = "eastmoney"
	}
	if a.baseURL == "" {
		a.baseURL = eastmoneyDefaultBase
	}
	if a.apiURL == "" {
		a.apiURL = eastmoneyDefaultAPI
	}
	if a.catalogURL == "" {
		a.catalogURL = eastmoneyDefaultCatalog
	}
	if a.pageSize <= 0 {
		a.pageSize = 20
	}
	if a.topline <= 0 {
		a.topline = 10
	}
	return a, nil
}

func (a *EastmoneyAdapter) BuildURL(fundCode string, dataType models.DataType) (string, error) {
	if err := a.checkCode(fundCode); err != nil {
		return "", err
	}
	code := url.PathEscape(strings.TrimSpace(fundCode))
	switch dataType {
	case models.DataTypeBasicInfo:
		return fmt.Sprintf("%s/%s.html", a.baseURL, code), nil
	case models.DataTypeDailySeries:
		return fmt.Sprintf("%s/f10/lsjz?fundCode=%s&pageIndex=1&pageSize=%d", a.apiURL, code, a.pageSize), nil
	case models.DataTypeHoldings:
		return fmt.Sprintf("%s/f10/FundArchivesDatas.aspx?type=jjcc&code=%s&topline=%d", a.baseURL, code, a.topline), nil
	}
	return "", unsupportedDataType(a.id, dataType)
}

func (a *EastmoneyAdapter) Parse(raw []byte, dataType models.DataType) ([]models.Record, error) {
	switch dataType {
	case models.DataTypeBasicInfo:
		return a.parseBasic(raw)
	case models.DataTypeDailySeries:
		return a.parseDaily(raw)
	case models.DataTypeHoldings:
		return a.parseHoldings(raw)
	}
	return nil, unsupportedDataType(a.id, dataType)
}

func (a *EastmoneyAdapter) parseBasic(raw []byte) ([]models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "html: %v", err)
	}

	title := doc.Find(".fundDetail-tit").First()
	if title.Length() == 0 {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "missing .fundDetail-tit")
	}
	code := cleanText(title.Find(".ui-num").First().Text())
	name := cleanText(title.Text())
	if i := strings.IndexAny(name, "(（"); i > 0 {
		name = strings.TrimSpace(name[:i])
	}
	if name == "" {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "empty fund name")
	}

	rec := &models.FundBasic{
		Code:     code,
		Name:     name,
		FundType: cleanText(doc.Find(".infoOfFund a").First().Text()),
	}

	navText := cleanText(doc.Find(".dataItem02 .dataNums span").First().Text())
	nav, err := parseDecimal(navText)
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeBasicInfo, "latest NAV %q: %v", navText, err)
	}
	rec.LatestNAV = nav

	if m := isoDateRegex.FindString(doc.Find(".dataItem02 p").First().Text()); m != "" {
		if d, err := parseDate(m); err == nil {
			rec.NAVDate = d.Format(dateLayout)
		}
	}

	// The intraday estimate is filled by script on most pages; keep it
	// when the static markup carries it.
	if est, err := parseOptionalDecimal(cleanText(doc.Find("#gz_gsz").Text())); err == nil && est != nil {
		rec.Estimate = est
		if g, err := parseOptionalDecimal(cleanText(doc.Find("#gz_gszzl").Text())); err == nil {
			rec.EstimateGrowth = g
		}
		if t, err := parseDateTime(cleanText(doc.Find("#gz_gztime").Text())); err == nil {
			rec.EstimatedAt = t.Format(dateTimeLayout)
		}
	}

	return []models.Record{rec}, nil
}

func (a *EastmoneyAdapter) parseDaily(raw []byte) ([]models.Record, error) {
	var jobj any
	if err := json.Unmarshal(raw, &jobj); err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "json: %v", err)
	}

	if code, err := jsonpath.Get("$.ErrCode", jobj); err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "missing ErrCode")
	} else if n, ok := code.(float64); !ok || n != 0 {
		msg, _ := jsonpath.Get("$.ErrMsg", jobj)
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "provider error %v: %v", code, msg)
	}

	jval, err := jsonpath.Get("$.Data.LSJZList[*]", jobj)
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "missing Data.LSJZList: %v", err)
	}
	rows, ok := jval.([]any)
	if !ok {
		return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "LSJZList is not a list")
	}

	records := make([]models.Record, 0, len(rows))
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "row %d is not an object", i)
		}
		nav, err := dailyNAVFromStrings(jsonString(m["FSRQ"]), jsonString(m["DWJZ"]), jsonString(m["LJJZ"]), jsonString(m["JZZZL"]))
		if err != nil {
			return nil, NewMalformedResponse(a.id, models.DataTypeDailySeries, "row %d: %v", i, err)
		}
		records = append(records, nav)
	}
	return records, nil
}

func (a *EastmoneyAdapter) parseHoldings(raw []byte) ([]models.Record, error) {
	content, err := extractAPIDataContent(raw)
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeHoldings, "%v", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeHoldings, "html: %v", err)
	}

	// Each box is one reporting period, latest first.
	box := doc.Find(".box").First()
	if box.Length() == 0 {
		box = doc.Selection
	}
	var period string
	if m := isoDateRegex.FindString(box.Find(".px12").First().Text()); m != "" {
		period = m
	}

	table := box.Find("table").First()
	if table.Length() == 0 {
		// A fund without published holdings returns an empty content block.
		if strings.TrimSpace(content) == "" {
			return []models.Record{}, nil
		}
		return nil, NewMalformedResponse(a.id, models.DataTypeHoldings, "no holdings table")
	}

	cols := holdingColumns(table)
	if cols.code < 0 || cols.name < 0 || cols.ratio < 0 {
		return nil, NewMalformedResponse(a.id, models.DataTypeHoldings, "unexpected table header")
	}

	var records []models.Record
	var rowErr error
	table.Find("tbody tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() <= cols.ratio {
			return true
		}
		cell := func(idx int) string {
			if idx < 0 {
				return ""
			}
			return cleanText(cells.Eq(idx).Text())
		}
		ratio, err := parseDecimal(cell(cols.ratio))
		if err != nil {
			rowErr = fmt.Errorf("row %d ratio %q: %w", i, cell(cols.ratio), err)
			return false
		}
		h := &models.Holding{
			StockCode:    cell(cols.code),
			StockName:    cell(cols.name),
			Ratio:        ratio,
			ReportPeriod: period,
		}
		if h.Shares, err = parseOptionalDecimal(cell(cols.shares)); err != nil {
			rowErr = fmt.Errorf("row %d shares: %w", i, err)
			return false
		}
		if h.MarketValue, err = parseOptionalDecimal(cell(cols.value)); err != nil {
			rowErr = fmt.Errorf("row %d market value: %w", i, err)
			return false
		}
		records = append(records, h)
		return true
	})
	if rowErr != nil {
		return nil, NewMalformedResponse(a.id, models.DataTypeHoldings, "%v", rowErr)
	}
	if records == nil {
		records = []models.Record{}
	}
	return records, nil
}

type holdingCols struct {
	code, name, ratio, shares, value int
}

// holdingColumns locates columns by header text; the table layout differs
// between the full and the topline variants.
func holdingColumns(table *goquery.Selection) holdingCols {
	cols := holdingCols{-1, -1, -1, -1, -1}
	table.Find("thead th, tr:first-child th").Each(func(i int, th *goquery.Selection) {
		label := cleanText(th.Text())
		switch {
		case strings.Contains(label, "股票代码") && cols.code < 0:
			cols.code = i
		case strings.Contains(label, "股票名称") && cols.name < 0:
			cols.name = i
		case strings.Contains(label, "占净值比例") && cols.ratio < 0:
			cols.ratio = i
		case strings.Contains(label, "持股数") && cols.shares < 0:
			cols.shares = i
		case strings.Contains(label, "持仓市值") && cols.value < 0:
			cols.value = i
		}
	})
	return cols
}

// ListFunds downloads the provider's full fund list.
func (a *EastmoneyAdapter) ListFunds(ctx context.Context) ([]models.FundListing, error) {
	raw, err := a.Fetch(ctx, a.catalogURL)
	if err != nil {
		return nil, err
	}
	listings, err := parseFundCatalog(raw)
	if err != nil {
		return nil, &SourceError{Kind: models.ErrorKindMalformedResponse, Source: a.id, URL: a.catalogURL, Message: "fund catalog", Err: err}
	}
	log.Printf("[%s] catalog lists %d funds", a.id, len(listings))
	return listings, nil
}

// parseFundCatalog decodes `var r = [["code","short","name","type","pinyin"],...];`.
func parseFundCatalog(raw []byte) ([]models.FundListing, error) {
	body := strings.TrimSpace(string(raw))
	if i := strings.Index(body, "="); i >= 0 {
		body = body[i+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), ";")

	var rows [][]string
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, fmt.Errorf("decode fund list: %w", err)
	}
	out := make([]models.FundListing, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		out = append(out, models.FundListing{
			Code:      strings.TrimSpace(row[0]),
			ShortName: row[1],
			Name:      row[2],
			FundType:  row[3],
			Pinyin:    row[4],
		})
	}
	return out, nil
}

func dailyNAVFromStrings(date, nav, accum, growth string) (*models.DailyNAV, error) {
	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	unit, err := parseDecimal(nav)
	if err != nil {
		return nil, fmt.Errorf("unit NAV %q: %w", nav, err)
	}
	rec := &models.DailyNAV{Date: d.Format(dateLayout), NAV: unit}
	if rec.AccumNAV, err = parseOptionalDecimal(accum); err != nil {
		return nil, fmt.Errorf("accumulated NAV %q: %w", accum, err)
	}
	if rec.DailyGrowth, err = parseOptionalDecimal(growth); err != nil {
		return nil, fmt.Errorf("daily growth %q: %w", growth, err)
	}
	return rec, nil
}

func jsonString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
