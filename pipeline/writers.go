package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aluiziolira/go-parkrun-results/models"
	"github.com/aluiziolira/go-parkrun-results/parser"
)

// CSVHeader is the column order of the persisted store and CSV exports.
var CSVHeader = []string{"Event", "Run Date", "Run Number", "Pos", "Time", "Age Grade", "PB", "Athlete Name", "Athlete ID"}

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(results []models.Result) error
	Close() error
	Validate() error
}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	cw, err := newCSVWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return cw, nil
}

func newCSVWriter(f *os.File) (*CSVWriter, error) {
	writer := csv.NewWriter(f)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends results to the CSV output.
func (cw *CSVWriter) Write(results []models.Result) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, r := range results {
		if err := cw.writer.Write(encodeRecord(r)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Sync flushes buffered rows and commits the file to stable storage.
func (cw *CSVWriter) Sync() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		return fmt.Errorf("sync csv file: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

func encodeRecord(r models.Result) []string {
	runNumber := ""
	if r.RunNumber > 0 {
		runNumber = strconv.Itoa(r.RunNumber)
	}
	position := ""
	if r.Position > 0 {
		position = strconv.Itoa(r.Position)
	}
	pb := ""
	if r.PB {
		pb = "PB"
	}
	return []string{
		r.Event,
		r.RunDate.Format(parser.DateLayout),
		runNumber,
		position,
		parser.FormatElapsed(r.Time),
		parser.FormatAgeGrade(r.AgeGrade),
		pb,
		r.AthleteName,
		r.AthleteID,
	}
}

// jsonRecord is the export shape: display strings alongside the numbers a
// chart needs, so consumers never re-parse times.
type jsonRecord struct {
	Event       string  `json:"event"`
	RunDate     string  `json:"run_date"`
	RunNumber   int     `json:"run_number,omitempty"`
	Position    int     `json:"position"`
	Time        string  `json:"time"`
	Seconds     int     `json:"seconds"`
	AgeGrade    float64 `json:"age_grade,omitempty"`
	PB          bool    `json:"pb"`
	AthleteName string  `json:"athlete_name,omitempty"`
	AthleteID   string  `json:"athlete_id,omitempty"`
}

func newJSONRecord(r models.Result) jsonRecord {
	return jsonRecord{
		Event:       r.Event,
		RunDate:     r.RunDate.Format("2006-01-02"),
		RunNumber:   r.RunNumber,
		Position:    r.Position,
		Time:        parser.FormatElapsed(r.Time),
		Seconds:     int(r.Time.Seconds()),
		AgeGrade:    r.AgeGrade,
		PB:          r.PB,
		AthleteName: r.AthleteName,
		AthleteID:   r.AthleteID,
	}
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends results in JSONL format.
func (jw *JSONWriter) Write(results []models.Result) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, r := range results {
		if err := jw.encoder.Encode(newJSONRecord(r)); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
