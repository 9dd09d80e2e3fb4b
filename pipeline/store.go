package pipeline

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/aluiziolira/go-parkrun-results/models"
	"github.com/aluiziolira/go-parkrun-results/parser"
	"golang.org/x/text/encoding/charmap"
)

// MergeResult describes what a merge did to the store.
type MergeResult struct {
	Before  int
	After   int
	Added   int
	Changed bool
}

// Merge unions existing and batch, keeping one row per (event, run date).
// When a key repeats, the row seen last wins, so fresh data from batch
// replaces stored rows. The output is ordered by run date, then event.
func Merge(existing, batch []models.Result) []models.Result {
	index := make(map[models.Key]int, len(existing)+len(batch))
	merged := make([]models.Result, 0, len(existing)+len(batch))

	add := func(rows []models.Result) {
		for _, r := range rows {
			k := r.Key()
			if i, ok := index[k]; ok {
				merged[i] = r
				continue
			}
			index[k] = len(merged)
			merged = append(merged, r)
		}
	}
	add(existing)
	add(batch)

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].RunDate.Equal(merged[j].RunDate) {
			return merged[i].RunDate.Before(merged[j].RunDate)
		}
		return merged[i].Event < merged[j].Event
	})
	return merged
}

// Store is the persisted results snapshot: one CSV file replaced atomically
// on every change. Readers never observe a partially written file.
type Store struct {
	path string
	mu   sync.Mutex
	gen  uint64
}

// NewStore returns a store backed by the CSV file at path. The file need not
// exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Generation counts the rewrites made through this store. It changes on
// every write even when the file's mtime and size do not.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Load reads the current snapshot. A missing file is an empty store.
func (s *Store) Load() ([]models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Merge folds batch into the snapshot and rewrites the file when the merged
// content differs from what is stored.
func (s *Store) Merge(batch []models.Result) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return MergeResult{}, err
	}

	merged := Merge(existing, batch)
	res := MergeResult{
		Before:  len(existing),
		After:   len(merged),
		Added:   countNewKeys(existing, batch),
		Changed: !sameRows(existing, merged),
	}
	if !res.Changed {
		return res, nil
	}

	if err := s.write(merged); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

func (s *Store) load() ([]models.Result, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	return DecodeResults(bytes.NewReader(data))
}

// write replaces the store by writing a sibling temp file, syncing it and
// renaming it over the original.
func (s *Store) write(rows []models.Result) (err error) {
	if err := ensureDir(s.path); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	cw, err := newCSVWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := cw.Write(rows); err != nil {
		cw.Close()
		return err
	}
	if err := cw.Sync(); err != nil {
		cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	s.gen++
	return nil
}

// DecodeResults reads store-format CSV. Columns are matched by header name
// in any order. Input that is not valid UTF-8 is decoded as latin-1, which
// is how older snapshots were saved.
func DecodeResults(r io.Reader) ([]models.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if !utf8.Valid(data) {
		data, err = charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode latin-1 store: %w", err)
		}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"event", "run date", "time"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("store header missing %q column", required)
		}
	}

	var rows []models.Result
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read store line %d: %w", line, err)
		}
		if isBlank(record) {
			continue
		}
		row, err := decodeRecord(record, cols)
		if err != nil {
			return nil, fmt.Errorf("store line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	slog.Debug("store decoded", slog.Int("rows", len(rows)))
	return rows, nil
}

func decodeRecord(record []string, cols map[string]int) (models.Result, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var (
		r   models.Result
		err error
	)
	r.Event = get("event")
	if r.Event == "" {
		return models.Result{}, fmt.Errorf("empty event")
	}
	if r.RunDate, err = parser.ParseRunDate(get("run date")); err != nil {
		return models.Result{}, err
	}
	if r.Time, err = parser.ParseElapsed(get("time")); err != nil {
		return models.Result{}, err
	}
	if v := get("run number"); v != "" {
		if r.RunNumber, err = parser.ParseInt(v); err != nil {
			return models.Result{}, fmt.Errorf("invalid run number %q: %w", v, err)
		}
	}
	if v := get("pos"); v != "" {
		if r.Position, err = parser.ParseInt(v); err != nil {
			return models.Result{}, fmt.Errorf("invalid position %q: %w", v, err)
		}
	}
	if r.AgeGrade, err = parser.ParseAgeGrade(get("age grade")); err != nil {
		return models.Result{}, err
	}
	r.PB = parser.IsPB(get("pb"))
	r.AthleteName = get("athlete name")
	r.AthleteID = get("athlete id")
	return r, nil
}

// countNewKeys counts the distinct batch keys absent from existing.
func countNewKeys(existing, batch []models.Result) int {
	seen := make(map[models.Key]bool, len(existing)+len(batch))
	for _, r := range existing {
		seen[r.Key()] = true
	}
	added := 0
	for _, r := range batch {
		if k := r.Key(); !seen[k] {
			seen[k] = true
			added++
		}
	}
	return added
}

func sameRows(a, b []models.Result) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Key() != y.Key() || x.RunNumber != y.RunNumber || x.Position != y.Position ||
			x.Time != y.Time || x.AgeGrade != y.AgeGrade || x.PB != y.PB ||
			x.AthleteName != y.AthleteName || x.AthleteID != y.AthleteID {
			return false
		}
	}
	return true
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
