package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyFetcher implements Fetcher on a shared colly collector. Each fetch
// runs on a clone so the limit rules and HTTP backend are shared while the
// callbacks and context stay per request.
type CollyFetcher struct {
	base *colly.Collector
}

// NewCollyFetcher builds the collector. Parallelism is bounded per domain
// and requests to a domain are spaced by 1/RateLimitRPS.
func NewCollyFetcher(cfg FetchConfig, parallelism int) (*CollyFetcher, error) {
	cfg = cfg.withDefaults()
	if parallelism <= 0 {
		parallelism = 2
	}

	headers := map[string]string{
		"Accept":          "text/html,application/json,application/javascript,*/*;q=0.8",
		"Accept-Language": cfg.AcceptLanguage,
		"Cache-Control":   "no-cache",
	}
	if cfg.Referer != "" {
		headers["Referer"] = cfg.Referer
	}

	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.Headers(headers),
		colly.MaxBodySize(maxPayloadBytes+1),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.DetectCharset(),
	)

	dial := safeDialContext
	if cfg.AllowPrivateNetworks {
		dial = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	})
	c.SetRequestTimeout(cfg.RequestTimeout)

	var delay time.Duration
	if cfg.RateLimitRPS > 0 {
		delay = time.Duration(float64(time.Second) / cfg.RateLimitRPS)
	}
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       delay,
		RandomDelay: delay / 2,
	}); err != nil {
		return nil, fmt.Errorf("colly limit rule: %w", err)
	}

	return &CollyFetcher{base: c}, nil
}

// Fetch visits targetURL synchronously and returns whatever response was
// received, including non-2xx ones.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	c := f.base.Clone()
	c.Context = ctx

	var result *FetchedDocument
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		result = &FetchedDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(r.Body)),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(targetURL); err != nil && result == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("visit %s: %w", targetURL, ctxErr)
		}
		return nil, fmt.Errorf("visit %s: %w", targetURL, err)
	}
	c.Wait()

	if result == nil {
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", targetURL, fetchErr)
		}
		return nil, fmt.Errorf("no response received for %s", targetURL)
	}
	return result, nil
}
