package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-parkrun-results/config"
	"github.com/aluiziolira/go-parkrun-results/parser"
	"github.com/aluiziolira/go-parkrun-results/scraper"
)

type response struct {
	body string
	err  error
}

// fakeFetcher replays queued responses per external ID. The last response
// repeats once the queue is exhausted.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]response),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) page(id, body string) *fakeFetcher {
	f.responses[id] = append(f.responses[id], response{body: body})
	return f
}

func (f *fakeFetcher) fail(id string, err error) *fakeFetcher {
	f.responses[id] = append(f.responses[id], response{err: err})
	return f
}

func (f *fakeFetcher) Fetch(_ context.Context, externalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := f.responses[externalID]
	if len(queue) == 0 {
		return "", &scraper.NetworkError{URL: externalID, StatusCode: 404, Err: scraper.ErrNotFound{Err: errors.New("no fixture")}}
	}
	n := f.calls[externalID]
	f.calls[externalID] = n + 1
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n].body, queue[n].err
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func resultsPage(name, id string, rows ...string) string {
	return fmt.Sprintf(`<html><body>
<h2>%s <span>(A%s)</span></h2>
<table>
<thead><tr><th>Event</th><th>Run Date</th><th>Run Number</th><th>Pos</th><th>Time</th><th>AgeGrade</th><th>PB?</th></tr></thead>
<tbody>%s</tbody>
</table>
</body></html>`, name, id, strings.Join(rows, "\n"))
}

func row(event, date string, pos int, elapsed string) string {
	return fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>100</td><td>%d</td><td>%s</td><td>60.00%%</td><td></td></tr>", event, date, pos, elapsed)
}

func networkError(status int) error {
	cause := error(scraper.ErrStatus{Err: fmt.Errorf("http status %d", status)})
	if status == 404 {
		cause = scraper.ErrNotFound{Err: fmt.Errorf("http status %d", status)}
	}
	return &scraper.NetworkError{URL: "http://example.test", StatusCode: status, Err: cause}
}

func newTestPipeline(t *testing.T, entities string, fetcher Fetcher) (*Pipeline, *Store, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.RequestInterval = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.StoreFile = filepath.Join(dir, "results.csv")
	cfg.EntitiesFile = filepath.Join(dir, "athletes.csv")
	if entities != "" {
		if err := os.WriteFile(cfg.EntitiesFile, []byte(entities), 0o644); err != nil {
			t.Fatalf("write entities: %v", err)
		}
	}

	store := NewStore(cfg.StoreFile)
	return NewPipeline(cfg, fetcher, store, scraper.NewMetrics()), store, cfg
}

func TestRunMergesEverySuccessfulEntity(t *testing.T) {
	fetcher := newFakeFetcher().
		page("1", resultsPage("Ann LEE", "1",
			row("Bushy", "04/03/2023", 10, "22:58"),
			row("Richmond", "11/03/2023", 8, "23:10"),
		)).
		page("2", resultsPage("Bob ROE", "2",
			row("Fulham Palace", "18/03/2023", 3, "19:01"),
		))
	p, store, _ := newTestPipeline(t, "name,external_id\nAnn Lee,1\nBob Roe,2\n", fetcher)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success() || len(result.Succeeded) != 2 {
		t.Fatalf("succeeded = %v, want both entities", result.Succeeded)
	}
	if result.RowsParsed != 3 || result.RowsAdded != 3 || !result.StoreChanged {
		t.Fatalf("unexpected run result: %+v", result)
	}
	if result.RunID == "" {
		t.Fatal("run id not set")
	}

	rows, err := store.Load()
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("store rows = %d, want 3", len(rows))
	}
	events := []string{rows[0].Event, rows[1].Event, rows[2].Event}
	if strings.Join(events, ",") != "Bushy,Richmond,Fulham Palace" {
		t.Fatalf("store order = %v, want chronological", events)
	}
	if rows[2].AthleteName != "Bob Roe" || rows[2].AthleteID != "2" {
		t.Fatalf("row not stamped with entity: %+v", rows[2])
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fetcher := newFakeFetcher().
		page("1", resultsPage("Ann LEE", "1",
			row("Bushy", "04/03/2023", 10, "24:02:00"),
			row("Bushy", "25/02/2023", 12, "23:30"),
		))
	p, store, cfg := newTestPipeline(t, "name,external_id\nAnn Lee,1\n", fetcher)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := os.ReadFile(cfg.StoreFile)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.StoreChanged || result.RowsAdded != 0 {
		t.Fatalf("second run changed the store: %+v", result)
	}
	second, err := os.ReadFile(cfg.StoreFile)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("store content changed between identical runs:\n%s\n---\n%s", first, second)
	}

	rows, _ := store.Load()
	if len(rows) != 2 {
		t.Fatalf("store rows = %d, want 2", len(rows))
	}
	if rows[1].Time != 1442*time.Second {
		t.Fatalf("time = %v, want 24m02s", rows[1].Time)
	}
}

func TestRunIsolatesEntityFailures(t *testing.T) {
	fetcher := newFakeFetcher().
		page("1", resultsPage("Ann LEE", "1", row("Bushy", "04/03/2023", 10, "22:58"))).
		page("2", `<html><body><h2>Bob ROE (A2)</h2><p>Results are unavailable.</p></body></html>`).
		page("3", resultsPage("Cat DAY", "3", row("Richmond", "11/03/2023", 4, "21:00")))
	p, store, _ := newTestPipeline(t, "name,external_id\nAnn Lee,1\nBob Roe,2\nCat Day,3\n", fetcher)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(result.Succeeded, ",") != "1,3" {
		t.Fatalf("succeeded = %v, want [1 3]", result.Succeeded)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(result.Failures))
	}
	failure := result.Failures[0]
	if failure.ExternalID != "2" || failure.Kind != KindParse {
		t.Fatalf("failure = %+v, want parse failure for 2", failure)
	}
	if !errors.Is(failure.Err, parser.ErrResultsTableNotFound) {
		t.Fatalf("failure cause = %v", failure.Err)
	}
	if result.ErrorsByType[KindParse] != 1 {
		t.Fatalf("errors by type = %v", result.ErrorsByType)
	}
	if fetcher.callCount("2") != 1 {
		t.Fatalf("parse failure was retried: %d calls", fetcher.callCount("2"))
	}

	rows, _ := store.Load()
	if len(rows) != 2 {
		t.Fatalf("store rows = %d, want 2", len(rows))
	}
}

func TestRunRejectsMismatchedIdentity(t *testing.T) {
	fetcher := newFakeFetcher().
		page("123456", resultsPage("John SMITH", "123456", row("Bushy", "04/03/2023", 10, "22:58")))
	p, _, cfg := newTestPipeline(t, "name,external_id\nJane Doe,123456\n", fetcher)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success() {
		t.Fatal("run should not succeed when identity mismatches")
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != KindIdentityMismatch {
		t.Fatalf("failures = %+v", result.Failures)
	}
	var mismatch *parser.IdentityMismatchError
	if !errors.As(result.Failures[0].Err, &mismatch) || mismatch.Extracted != "John SMITH" {
		t.Fatalf("failure cause = %v", result.Failures[0].Err)
	}
	if _, err := os.Stat(cfg.StoreFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("store should not be written, stat err = %v", err)
	}
}

func TestRunWithoutEntities(t *testing.T) {
	tests := []struct {
		name     string
		entities string
	}{
		{name: "missing file", entities: ""},
		{name: "header only", entities: "name,external_id\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newFakeFetcher()
			p, _, cfg := newTestPipeline(t, tt.entities, fetcher)

			result, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if result.Success() || result.EntityCount != 0 {
				t.Fatalf("unexpected result: %+v", result)
			}
			if result.RequestCount != 0 {
				t.Fatalf("requests = %d, want 0", result.RequestCount)
			}
			if _, err := os.Stat(cfg.StoreFile); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("store should not be created, stat err = %v", err)
			}
		})
	}
}

func TestRunRetriesNetworkErrors(t *testing.T) {
	fetcher := newFakeFetcher().
		fail("1", networkError(502)).
		page("1", resultsPage("Ann LEE", "1", row("Bushy", "04/03/2023", 10, "22:58"))).
		fail("2", networkError(404))
	p, _, _ := newTestPipeline(t, "name,external_id\nAnn Lee,1\nBob Roe,2\n", fetcher)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fetcher.callCount("1") != 2 {
		t.Fatalf("calls for 1 = %d, want 2", fetcher.callCount("1"))
	}
	if fetcher.callCount("2") != 1 {
		t.Fatalf("not-found page was retried: %d calls", fetcher.callCount("2"))
	}
	if result.RetryCount != 1 || result.RequestCount != 3 {
		t.Fatalf("retries = %d requests = %d, want 1 and 3", result.RetryCount, result.RequestCount)
	}
	if len(result.Failures) != 1 || result.Failures[0].Kind != KindNetwork {
		t.Fatalf("failures = %+v", result.Failures)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	fetcher := newFakeFetcher().fail("1", networkError(503))
	p, _, cfg := newTestPipeline(t, "name,external_id\nAnn Lee,1\n", fetcher)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, want := fetcher.callCount("1"), cfg.MaxRetries+1; got != want {
		t.Fatalf("calls = %d, want %d", got, want)
	}
	if result.Success() {
		t.Fatal("run should fail")
	}
}

func TestRunReturnsMergeError(t *testing.T) {
	fetcher := newFakeFetcher().
		page("1", resultsPage("Ann LEE", "1", row("Bushy", "04/03/2023", 10, "22:58")))
	p, _, cfg := newTestPipeline(t, "name,external_id\nAnn Lee,1\n", fetcher)

	// A directory at the store path cannot be read as a snapshot.
	if err := os.Mkdir(cfg.StoreFile, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected merge error")
	}
	if result == nil || !result.Success() {
		t.Fatalf("collection phase should still be reported: %+v", result)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	fetcher := newFakeFetcher().
		page("1", resultsPage("Ann LEE", "1", row("Bushy", "04/03/2023", 10, "22:58")))
	p, _, _ := newTestPipeline(t, "name,external_id\nAnn Lee,1\n", fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if fetcher.callCount("1") != 0 {
		t.Fatal("no fetch should happen after cancellation")
	}
	if result.Success() {
		t.Fatal("cancelled run should not succeed")
	}
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "network", err: networkError(500), expected: KindNetwork},
		{name: "wrapped network", err: fmt.Errorf("fetch: %w", networkError(403)), expected: KindNetwork},
		{name: "parse", err: &parser.ParseError{Op: "table", Err: parser.ErrResultsTableNotFound}, expected: KindParse},
		{name: "identity", err: &parser.IdentityMismatchError{Expected: "a", Extracted: "b"}, expected: KindIdentityMismatch},
		{name: "other", err: errors.New("boom"), expected: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureKind(tt.err); got != tt.expected {
				t.Fatalf("FailureKind(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestPipelineBackoff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 100 * time.Millisecond
	cfg.RetryBackoffMax = 300 * time.Millisecond
	p := NewPipeline(cfg, newFakeFetcher(), NewStore(filepath.Join(t.TempDir(), "r.csv")), nil)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: 100 * time.Millisecond},
		{attempt: 1, expected: 100 * time.Millisecond},
		{attempt: 2, expected: 200 * time.Millisecond},
		{attempt: 3, expected: 300 * time.Millisecond},
		{attempt: 6, expected: 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestResultChain(t *testing.T) {
	calls := 0
	double := func(n int) (int, error) {
		calls++
		return n * 2, nil
	}

	v, err := Then(Ok(2), double).Unwrap()
	if err != nil || v != 4 {
		t.Fatalf("Then(Ok) = %d, %v", v, err)
	}

	boom := errors.New("boom")
	failed := Then(Err[int](boom), double)
	if failed.IsOk() || !errors.Is(failed.Err(), boom) {
		t.Fatalf("Then(Err) = %+v", failed)
	}
	if calls != 1 {
		t.Fatalf("stage ran after failure: calls = %d", calls)
	}
}

var _ Fetcher = (*scraper.Scraper)(nil)
