package ingest

import (
	"encoding/json"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
)

var strictPolicy = bluemonday.StrictPolicy()

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText strips any markup left in s and normalizes whitespace.
func cleanText(s string) string {
	return normalizeSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

var placeholderValues = map[string]bool{"": true, "--": true, "---": true, "-": true, "暂无数据": true}

// parseDecimal reads a number as printed by the providers: optional
// sign, thousands separators and a trailing percent sign.
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, ",", "")
	if placeholderValues[s] {
		return decimal.Zero, errors.New("empty value")
	}
	return decimal.NewFromString(s)
}

// parseOptionalDecimal returns nil for placeholder values.
func parseOptionalDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if placeholderValues[s] {
		return nil, nil
	}
	d, err := parseDecimal(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var chinaTZ = time.FixedZone("CST", 8*3600)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
)

// parseDate accepts the date layouts the providers print.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dateLayout, "2006/01/02", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, chinaTZ); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized date " + s)
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dateTimeLayout, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, chinaTZ); err == nil {
			return t, nil
		}
	}
	return parseDate(s)
}

var errNoAPIData = errors.New("apidata block not found")

// extractAPIDataContent pulls the HTML fragment out of a
// `var apidata={ content:"...", ...};` script body.
func extractAPIDataContent(raw []byte) (string, error) {
	body := string(raw)
	start := strings.Index(body, "var apidata")
	if start < 0 {
		return "", errNoAPIData
	}
	body = body[start:]
	key := strings.Index(body, "content:")
	if key < 0 {
		return "", errNoAPIData
	}
	body = strings.TrimLeft(body[key+len("content:"):], " \t\r\n")
	if body == "" || body[0] != '"' {
		return "", errors.New("apidata content is not a string")
	}

	end := -1
	for i := 1; i < len(body); i++ {
		if body[i] == '\\' {
			i++
			continue
		}
		if body[i] == '"' {
			end = i
			break
		}
	}
	if end < 0 {
		return "", errors.New("unterminated apidata content")
	}

	// JSON string rules cover the escapes used here except \'.
	literal := strings.ReplaceAll(body[:end+1], `\'`, `'`)
	var content string
	if err := json.Unmarshal([]byte(literal), &content); err != nil {
		return "", err
	}
	return content, nil
}

// unwrapCall returns the argument text of a `name(...)` JSONP or script
// call, e.g. `jsonpgz({...});`.
func unwrapCall(raw []byte, name string) (string, bool) {
	body := strings.TrimSpace(string(raw))
	i := strings.Index(body, name+"(")
	if i < 0 {
		return "", false
	}
	body = body[i+len(name)+1:]
	j := strings.LastIndex(body, ")")
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:j]), true
}
