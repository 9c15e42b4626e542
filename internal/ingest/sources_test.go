package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSourceSettings_Embedded(t *testing.T) {
	settings, err := LoadSourceSettings("")
	if err != nil {
		t.Fatalf("LoadSourceSettings: %v", err)
	}
	em, ok := settings.Source("eastmoney")
	if !ok {
		t.Fatal("eastmoney missing from embedded settings")
	}
	if !em.Enabled || em.Kind != "eastmoney" || em.BaseURL == "" || em.CatalogURL == "" {
		t.Fatalf("eastmoney settings incomplete: %+v", em)
	}
	if _, ok := settings.Source("missing"); ok {
		t.Fatal("unexpected source")
	}
}

func TestParseSourceSettings_ExpandsEnv(t *testing.T) {
	t.Setenv("FUND_MIRROR", "http://mirror.test")
	settings, err := ParseSourceSettings([]byte(`
sources:
  - id: em-mirror
    kind: eastmoney
    enabled: true
    base_url: ${FUND_MIRROR}
`))
	if err != nil {
		t.Fatalf("ParseSourceSettings: %v", err)
	}
	src, _ := settings.Source("em-mirror")
	if src.BaseURL != "http://mirror.test" {
		t.Fatalf("base_url = %q", src.BaseURL)
	}
}

func TestParseSourceSettings_DefaultsKindAndRequiresID(t *testing.T) {
	settings, err := ParseSourceSettings([]byte("sources:\n  - id: tiantian\n"))
	if err != nil {
		t.Fatalf("ParseSourceSettings: %v", err)
	}
	if settings.Sources[0].Kind != "tiantian" {
		t.Fatalf("kind = %q", settings.Sources[0].Kind)
	}
	if _, err := ParseSourceSettings([]byte("sources:\n  - name: nameless\n")); err == nil {
		t.Fatal("source without id accepted")
	}
}

func TestLoadSourceSettings_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte("sources:\n  - id: eastmoney\n    enabled: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	settings, err := LoadSourceSettings(path)
	if err != nil {
		t.Fatalf("LoadSourceSettings: %v", err)
	}
	if len(settings.Sources) != 1 {
		t.Fatalf("sources = %d", len(settings.Sources))
	}
	if _, err := LoadSourceSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestSourceConfigFetchConfig(t *testing.T) {
	base := FetchConfig{UserAgent: "ua", AcceptLanguage: "en", RateLimitRPS: 2}
	src := SourceConfig{Referer: "https://fundf10.eastmoney.com/", Fetch: SourceFetchConfig{AcceptLanguage: "zh-CN"}}

	got := src.FetchConfig(base)
	if got.Referer != src.Referer || got.AcceptLanguage != "zh-CN" {
		t.Fatalf("overlay = %+v", got)
	}
	if got.UserAgent != "ua" || got.RateLimitRPS != 2 {
		t.Fatalf("base values lost: %+v", got)
	}
}
