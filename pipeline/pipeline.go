// Package pipeline runs a collection pass: fetch, identify and parse every
// tracked entity, then merge what succeeded into the persisted store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-parkrun-results/config"
	"github.com/aluiziolira/go-parkrun-results/models"
	"github.com/aluiziolira/go-parkrun-results/parser"
	"github.com/aluiziolira/go-parkrun-results/scraper"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Failure kinds recorded per entity.
const (
	KindNetwork          = "network"
	KindParse            = "parse"
	KindIdentityMismatch = "identity_mismatch"
	KindOther            = "other"
)

// Fetcher retrieves the raw results page for one external ID.
type Fetcher interface {
	Fetch(ctx context.Context, externalID string) (string, error)
}

// Pipeline coordinates one collection run. It processes entities one at a
// time and merges once at the end.
type Pipeline struct {
	cfg     *config.Config
	fetcher Fetcher
	store   *Store
	metrics *scraper.Metrics
	limiter *rate.Limiter
}

// NewPipeline wires a run. metrics may be nil.
func NewPipeline(cfg *config.Config, fetcher Fetcher, store *Store, metrics *scraper.Metrics) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		metrics: metrics,
	}
	if cfg.RequestInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}
	return p
}

// FailureKind maps an entity error to its failure label.
func FailureKind(err error) string {
	var (
		netErr   *scraper.NetworkError
		parseErr *parser.ParseError
		mismatch *parser.IdentityMismatchError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &mismatch):
		return KindIdentityMismatch
	case errors.As(err, &parseErr):
		return KindParse
	default:
		return KindOther
	}
}

// Run collects every configured entity and merges the successful rows into
// the store. A failing entity is recorded and skipped. The only error
// returned is a failed merge, in which case the returned RunResult still
// describes the collection phase.
func (p *Pipeline) Run(ctx context.Context) (*models.RunResult, error) {
	result := &models.RunResult{
		RunID:        uuid.NewString(),
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}
	logger := slog.With(slog.String("run_id", result.RunID))

	entities, err := config.LoadEntities(p.cfg.EntitiesFile)
	if err != nil {
		logger.Error("entity configuration unreadable", slog.String("path", p.cfg.EntitiesFile), slog.Any("error", err))
	}
	result.EntityCount = len(entities)
	if len(entities) == 0 {
		logger.Warn("no entities configured, nothing to collect", slog.String("path", p.cfg.EntitiesFile))
		result.EndTime = time.Now()
		return result, nil
	}

	logger.Info("collection started", slog.Int("entities", len(entities)))

	var batch []models.Result
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			logger.Warn("collection cancelled", slog.Int("remaining", len(entities)-len(result.Succeeded)-len(result.Failures)))
			break
		}

		rows, err := p.collect(ctx, logger, entity, result).Unwrap()
		if err != nil {
			p.recordFailure(logger, result, entity, err)
			continue
		}

		batch = append(batch, rows...)
		result.Succeeded = append(result.Succeeded, entity.ExternalID)
		result.RowsParsed += len(rows)
		p.metrics.IncEntity("success")
		p.metrics.AddRows(len(rows))
		logger.Info("entity collected",
			slog.String("external_id", entity.ExternalID),
			slog.String("name", entity.Name),
			slog.Int("rows", len(rows)),
		)
	}

	if !result.Success() {
		logger.Warn("no entity succeeded, store left untouched", slog.Int("failures", len(result.Failures)))
		result.EndTime = time.Now()
		return result, nil
	}

	merged, err := p.store.Merge(batch)
	result.EndTime = time.Now()
	if err != nil {
		logger.Error("merge failed", slog.String("store", p.store.Path()), slog.Any("error", err))
		return result, fmt.Errorf("merge results: %w", err)
	}
	result.StoreBefore = merged.Before
	result.StoreAfter = merged.After
	result.RowsAdded = merged.Added
	result.StoreChanged = merged.Changed
	p.metrics.ObserveStore(merged.After, merged.Added)

	logger.Info("collection finished",
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failures)),
		slog.Int("rows_parsed", result.RowsParsed),
		slog.Int("store_rows", merged.After),
		slog.Int("rows_added", merged.Added),
		slog.Bool("store_changed", merged.Changed),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	)
	return result, nil
}

// collect threads one entity through fetch, identity check and table parse.
// The first failing stage short-circuits the rest.
func (p *Pipeline) collect(ctx context.Context, logger *slog.Logger, entity models.Entity, result *models.RunResult) Result[[]models.Result] {
	page := p.fetch(ctx, logger, entity.ExternalID, result)
	doc := Then(page, parser.NewDocument)
	verified := Then(doc, func(d *goquery.Document) (*goquery.Document, error) {
		name, err := parser.ExtractIdentity(d, entity.ExternalID)
		if err != nil {
			return nil, err
		}
		if err := parser.ValidateIdentity(name, entity.Name); err != nil {
			return nil, err
		}
		return d, nil
	})
	return Then(verified, func(d *goquery.Document) ([]models.Result, error) {
		return parser.ParseResults(d, entity)
	})
}

// fetch retries network failures with exponential backoff. Pages that do
// not exist are not retried.
func (p *Pipeline) fetch(ctx context.Context, logger *slog.Logger, externalID string, result *models.RunResult) Result[string] {
	for attempt := 0; ; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return Err[string](&scraper.NetworkError{URL: p.cfg.ResultsURL(externalID), Err: err})
			}
		}

		result.RequestCount++
		body, err := p.fetcher.Fetch(ctx, externalID)
		if err == nil {
			return Ok(body)
		}

		var netErr *scraper.NetworkError
		if !errors.As(err, &netErr) || netErr.Kind() == "not_found" || attempt >= p.cfg.MaxRetries {
			return Err[string](err)
		}

		delay := p.backoff(attempt + 1)
		result.RetryCount++
		p.metrics.IncRetries()
		logger.Debug("retrying fetch",
			slog.String("external_id", externalID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return Err[string](err)
		}
	}
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := p.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := p.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (p *Pipeline) recordFailure(logger *slog.Logger, result *models.RunResult, entity models.Entity, err error) {
	kind := FailureKind(err)
	result.Failures = append(result.Failures, models.EntityFailure{
		ExternalID: entity.ExternalID,
		Name:       entity.Name,
		Kind:       kind,
		Err:        err,
	})
	result.ErrorsByType[kind]++
	p.metrics.IncError(kind)
	p.metrics.IncEntity(kind)

	logger.Warn("entity failed",
		slog.String("external_id", entity.ExternalID),
		slog.String("name", entity.Name),
		slog.String("kind", kind),
		slog.Any("error", err),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
