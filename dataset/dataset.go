// Package dataset serves the persisted results to readers such as the
// dashboard, optionally refreshing the store first.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/aluiziolira/go-parkrun-results/models"
	"github.com/aluiziolira/go-parkrun-results/parser"
	"github.com/aluiziolira/go-parkrun-results/pipeline"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Updater runs a collection pass against the store.
type Updater interface {
	Run(ctx context.Context) (*models.RunResult, error)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context) (*models.RunResult, error)

// Run calls f(ctx).
func (f UpdaterFunc) Run(ctx context.Context) (*models.RunResult, error) {
	return f(ctx)
}

// Row is a stored result with the derived fields charts use.
type Row struct {
	models.Result
	Seconds       int
	TimeFormatted string
	// IsPB is recomputed over the athlete's whole history: a run is a PB
	// when it is faster than every earlier run by the same athlete. The
	// stored PB flag is left as scraped.
	IsPB bool
}

// AthleteInfo names whose results the dataset holds.
type AthleteInfo struct {
	Name string
	ID   string
}

// EventCount is the number of runs at one event.
type EventCount struct {
	Event string
	Count int
}

// Dataset is an immutable, date-ordered view of the store. Datasets are
// shared between callers and must not be modified.
type Dataset struct {
	Rows    []Row
	Athlete AthleteInfo
}

// Build derives a Dataset from stored rows.
func Build(results []models.Result) *Dataset {
	sorted := make([]models.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].RunDate.Equal(sorted[j].RunDate) {
			return sorted[i].RunDate.Before(sorted[j].RunDate)
		}
		return sorted[i].Event < sorted[j].Event
	})

	ds := &Dataset{Rows: make([]Row, 0, len(sorted))}
	best := make(map[string]int)
	for _, r := range sorted {
		secs := int(r.Time.Seconds())
		athlete := athleteKey(r)
		prev, seen := best[athlete]
		pb := !seen || secs < prev
		if pb {
			best[athlete] = secs
		}
		ds.Rows = append(ds.Rows, Row{
			Result:        r,
			Seconds:       secs,
			TimeFormatted: parser.FormatElapsed(r.Time),
			IsPB:          pb,
		})
	}

	for i := len(ds.Rows) - 1; i >= 0; i-- {
		if r := ds.Rows[i]; r.AthleteName != "" || r.AthleteID != "" {
			ds.Athlete = AthleteInfo{Name: r.AthleteName, ID: r.AthleteID}
			break
		}
	}
	return ds
}

// athleteKey groups rows for PB tracking. Legacy rows carrying neither ID
// nor name share one group.
func athleteKey(r models.Result) string {
	switch {
	case r.AthleteID != "":
		return "id:" + r.AthleteID
	case r.AthleteName != "":
		return "name:" + r.AthleteName
	default:
		return ""
	}
}

// EventCounts returns events ordered by number of runs, most first.
func (d *Dataset) EventCounts() []EventCount {
	counts := make(map[string]int)
	for _, r := range d.Rows {
		counts[r.Event]++
	}

	out := make([]EventCount, 0, len(counts))
	for event, n := range counts {
		out = append(out, EventCount{Event: event, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Event < out[j].Event
	})
	return out
}

// PBs returns the rows flagged as personal bests, oldest first.
func (d *Dataset) PBs() []Row {
	var out []Row
	for _, r := range d.Rows {
		if r.IsPB {
			out = append(out, r)
		}
	}
	return out
}

type snapshotKey struct {
	path       string
	generation uint64
	modTime    int64
	size       int64
}

// Provider hands out datasets backed by a store. Snapshots are cached by
// file identity and store generation, so repeated reads of an unchanged
// store skip decoding.
type Provider struct {
	store   *pipeline.Store
	updater Updater
	cache   *lru.Cache[snapshotKey, *Dataset]
}

// NewProvider builds a provider. updater may be nil for read-only use.
func NewProvider(store *pipeline.Store, updater Updater, cacheSize int) (*Provider, error) {
	cache, err := lru.New[snapshotKey, *Dataset](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &Provider{store: store, updater: updater, cache: cache}, nil
}

// Results returns the current dataset. With refresh set it first runs the
// updater; a failed or fruitless update is logged and the last persisted
// snapshot is served instead.
func (p *Provider) Results(ctx context.Context, refresh bool) (*Dataset, error) {
	if refresh && p.updater != nil {
		res, err := p.updater.Run(ctx)
		switch {
		case err != nil:
			slog.Warn("update failed, serving last snapshot", slog.Any("error", err))
		case res == nil:
			slog.Warn("update returned no result, serving last snapshot")
		case !res.Success():
			slog.Warn("update produced no results, serving last snapshot",
				slog.String("run_id", res.RunID),
				slog.Int("failures", len(res.Failures)),
			)
		}
	}
	return p.Snapshot()
}

// Snapshot returns the dataset for the store as it is on disk now.
func (p *Provider) Snapshot() (*Dataset, error) {
	generation := p.store.Generation()
	info, err := os.Stat(p.store.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return Build(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat store: %w", err)
	}

	key := snapshotKey{
		path:       p.store.Path(),
		generation: generation,
		modTime:    info.ModTime().UnixNano(),
		size:       info.Size(),
	}
	if ds, ok := p.cache.Get(key); ok {
		return ds, nil
	}

	rows, err := p.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	ds := Build(rows)
	p.cache.Add(key, ds)
	slog.Debug("snapshot loaded", slog.String("path", key.path), slog.Int("rows", len(ds.Rows)))
	return ds, nil
}
