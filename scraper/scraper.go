package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-parkrun-results/config"
	"github.com/gocolly/colly/v2"
)

// Scraper fetches results pages through a colly collector. It issues one
// request per call and never retries; retry policy belongs to the caller.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	Metrics   *Metrics

	requestCount int64
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &Scraper{
		cfg:       cfg,
		collector: collector,
		Metrics:   NewMetrics(),
	}, nil
}

// Fetch retrieves the all-results page for externalID and returns the raw
// markup. Any transport failure or non-2xx status is returned as a
// *NetworkError.
func (s *Scraper) Fetch(ctx context.Context, externalID string) (string, error) {
	target := s.cfg.ResultsURL(externalID)
	if err := ctx.Err(); err != nil {
		return "", &NetworkError{URL: target, Err: classifyError(err, 0)}
	}

	// A clone shares the transport and limits but not the callbacks, so the
	// closures below only ever see this request.
	c := s.collector.Clone()

	var (
		body       []byte
		statusCode int
		start      time.Time
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Referer", s.cfg.Referer())
		r.Headers.Set("DNT", "1")
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-GB,en;q=0.9")
		start = time.Now()
		atomic.AddInt64(&s.requestCount, 1)
		s.Metrics.IncRequest("started")
	})
	c.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = r.Body
		s.Metrics.ObserveDuration(time.Since(start))
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		if !start.IsZero() {
			s.Metrics.ObserveDuration(time.Since(start))
		}
	})

	if err := c.Visit(target); err != nil {
		classified := classifyError(err, statusCode)
		s.Metrics.IncRequest("failed")
		slog.Debug("results page request failed",
			slog.String("url", target),
			slog.Int("status", statusCode),
			slog.String("category", errorTypeLabel(classified)),
			slog.Any("error", err),
		)
		return "", &NetworkError{URL: target, StatusCode: statusCode, Err: classified}
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		s.Metrics.IncRequest("failed")
		classified := classifyError(nil, statusCode)
		if classified == nil {
			classified = ErrConnection{Err: errors.New("no response received")}
		}
		return "", &NetworkError{URL: target, StatusCode: statusCode, Err: classified}
	}

	s.Metrics.IncRequest("succeeded")
	return string(body), nil
}

// RequestCount returns the number of requests issued so far.
func (s *Scraper) RequestCount() int {
	return int(atomic.LoadInt64(&s.requestCount))
}
