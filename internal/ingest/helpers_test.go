package ingest

import (
	"strings"
	"testing"
)

func TestExtractAPIDataContent(t *testing.T) {
	raw := []byte(`var apidata={ content:"<div class='box'><h4>持仓 \"A\"</h4>\r\n<table></table></div>",arryear:[2024,2023],curyear:2024};`)
	content, err := extractAPIDataContent(raw)
	if err != nil {
		t.Fatalf("extractAPIDataContent: %v", err)
	}
	if !strings.HasPrefix(content, "<div class='box'>") {
		t.Fatalf("unexpected content prefix: %q", content)
	}
	if !strings.Contains(content, `持仓 "A"`) {
		t.Fatalf("escaped quotes not decoded: %q", content)
	}
	if !strings.HasSuffix(content, "</table></div>") {
		t.Fatalf("content cut short: %q", content)
	}
}

func TestExtractAPIDataContent_Errors(t *testing.T) {
	cases := map[string]string{
		"no apidata":   `<html>maintenance</html>`,
		"no content":   `var apidata={ records:0 };`,
		"not a string": `var apidata={ content:42 };`,
		"unterminated": `var apidata={ content:"<table>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := extractAPIDataContent([]byte(body)); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2345", "1.2345"},
		{" 1,234.50 ", "1234.5"},
		{"-0.37%", "-0.37"},
	}
	for _, tt := range tests {
		got, err := parseDecimal(tt.in)
		if err != nil {
			t.Fatalf("parseDecimal(%q): %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Errorf("parseDecimal(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if _, err := parseDecimal("--"); err == nil {
		t.Fatal("placeholder should not parse as a number")
	}
	if _, err := parseDecimal("abc"); err == nil {
		t.Fatal("garbage should not parse as a number")
	}
}

func TestParseOptionalDecimal(t *testing.T) {
	for _, in := range []string{"", "--", " - ", "暂无数据", "--%"} {
		d, err := parseOptionalDecimal(in)
		if err != nil || d != nil {
			t.Errorf("parseOptionalDecimal(%q) = %v, %v; want nil, nil", in, d, err)
		}
	}
	d, err := parseOptionalDecimal("2.10%")
	if err != nil || d == nil || d.String() != "2.1" {
		t.Fatalf("parseOptionalDecimal(2.10%%) = %v, %v", d, err)
	}
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"2024-01-05", "2024/01/05", "20240105"} {
		d, err := parseDate(in)
		if err != nil {
			t.Fatalf("parseDate(%q): %v", in, err)
		}
		if got := d.Format(dateLayout); got != "2024-01-05" {
			t.Errorf("parseDate(%q) = %s", in, got)
		}
	}
	if _, err := parseDate("05.01.2024"); err == nil {
		t.Fatal("expected error for unsupported layout")
	}

	dt, err := parseDateTime("2024-01-05 14:30")
	if err != nil || dt.Format(dateTimeLayout) != "2024-01-05 14:30" {
		t.Fatalf("parseDateTime = %v, %v", dt, err)
	}
}

func TestCleanText(t *testing.T) {
	got := cleanText("  <b>华夏成长</b>&nbsp;混合 \n  A ")
	if got != "华夏成长 混合 A" {
		t.Fatalf("cleanText = %q", got)
	}
}

func TestUnwrapCall(t *testing.T) {
	body, ok := unwrapCall([]byte(`jsonpgz({"fundcode":"000001"});`), "jsonpgz")
	if !ok || body != `{"fundcode":"000001"}` {
		t.Fatalf("unwrapCall = %q, %v", body, ok)
	}
	body, ok = unwrapCall([]byte(`jsonpgz();`), "jsonpgz")
	if !ok || body != "" {
		t.Fatalf("empty call = %q, %v", body, ok)
	}
	if _, ok := unwrapCall([]byte(`<html></html>`), "jsonpgz"); ok {
		t.Fatal("expected no match")
	}
}
