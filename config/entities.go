package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-parkrun-results/models"
)

// LoadEntities reads the tracked-entity list from a CSV file with a
// name,external_id header. A missing file is not an error: it yields an
// empty working set and a warning.
func LoadEntities(path string) ([]models.Entity, error) {
	if path == "" {
		slog.Warn("no entities file configured")
		return nil, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("entities file not found, tracking nobody", slog.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open entities file: %w", err)
	}
	defer f.Close()

	entities, err := ReadEntities(f)
	if err != nil {
		return nil, fmt.Errorf("read entities file %q: %w", path, err)
	}
	if len(entities) == 0 {
		slog.Warn("entities file is empty", slog.String("path", path))
	}
	return entities, nil
}

// ReadEntities decodes tracked entities from CSV. Header names are matched
// case-insensitively and unknown columns are ignored. Barcode-style IDs
// ("A123") are normalised to their numeric part.
func ReadEntities(r io.Reader) ([]models.Entity, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	nameCol, idCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))) {
		case "name", "display_name":
			nameCol = i
		case "external_id", "id", "athlete_id":
			idCol = i
		}
	}
	if nameCol < 0 || idCol < 0 {
		return nil, fmt.Errorf("header must contain name and external_id columns, got %v", header)
	}

	var entities []models.Entity
	seen := make(map[string]struct{})
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(record) <= nameCol || len(record) <= idCol {
			if isBlank(record) {
				continue
			}
			return nil, fmt.Errorf("line %d: expected at least %d columns", line, max(nameCol, idCol)+1)
		}

		name := strings.TrimSpace(record[nameCol])
		id := NormalizeID(record[idCol])
		if name == "" && id == "" {
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("line %d: missing name", line)
		}
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("line %d: external id %q is not numeric", line, record[idCol])
		}
		if _, dup := seen[id]; dup {
			slog.Warn("duplicate entity id ignored", slog.String("external_id", id), slog.Int("line", line))
			continue
		}
		seen[id] = struct{}{}
		entities = append(entities, models.Entity{Name: name, ExternalID: id})
	}
	return entities, nil
}

// NormalizeID trims whitespace and a leading barcode "A".
func NormalizeID(raw string) string {
	id := strings.TrimSpace(raw)
	if len(id) > 1 && (id[0] == 'A' || id[0] == 'a') {
		id = id[1:]
	}
	return id
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
