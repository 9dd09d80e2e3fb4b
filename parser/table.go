package parser

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-parkrun-results/models"
)

type field int

const (
	fieldUnknown field = iota
	fieldEvent
	fieldRunDate
	fieldRunNumber
	fieldPosition
	fieldTime
	fieldAgeGrade
	fieldPB
)

// columnAliases maps normalised header labels to canonical fields. Labels
// are lower-cased with everything but letters and digits removed, so
// "AgeGrade" and "Age Grade" land on the same key.
var columnAliases = map[string]field{
	"event":     fieldEvent,
	"rundate":   fieldRunDate,
	"date":      fieldRunDate,
	"runnumber": fieldRunNumber,
	"runno":     fieldRunNumber,
	"pos":       fieldPosition,
	"position":  fieldPosition,
	"time":      fieldTime,
	"agegrade":  fieldAgeGrade,
	"pb":        fieldPB,
}

var requiredFields = []field{fieldEvent, fieldRunDate, fieldTime}

// NewDocument parses raw markup once so identity and table parsing share it.
func NewDocument(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, &ParseError{Op: "document", Err: err}
	}
	return doc, nil
}

// ParseResults finds the first table whose header row has event, date and
// time columns and returns its rows stamped with entity. Rows missing a
// required value are skipped.
func ParseResults(doc *goquery.Document, entity models.Entity) ([]models.Result, error) {
	var (
		columns map[int]field
		table   *goquery.Selection
	)
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		if cols := headerColumns(t); hasRequired(cols) {
			columns, table = cols, t
			return false
		}
		return true
	})
	if table == nil {
		return nil, &ParseError{Op: "table", Err: ErrResultsTableNotFound}
	}

	results := make([]models.Result, 0)
	skipped := 0
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return
		}
		row, err := parseRow(cells, columns, entity)
		if err != nil {
			skipped++
			slog.Debug("skipping result row",
				slog.String("external_id", entity.ExternalID),
				slog.Any("error", err),
			)
			return
		}
		results = append(results, row)
	})

	if skipped > 0 {
		slog.Warn("result rows skipped",
			slog.String("external_id", entity.ExternalID),
			slog.Int("skipped", skipped),
			slog.Int("parsed", len(results)),
		)
	}
	return results, nil
}

func headerColumns(table *goquery.Selection) map[int]field {
	header := table.Find("thead tr").First()
	if header.Length() == 0 {
		header = table.Find("tr").First()
	}
	cols := make(map[int]field)
	header.Children().Each(func(i int, cell *goquery.Selection) {
		if f, ok := columnAliases[normalizeLabel(cell.Text())]; ok {
			if _, dup := cols[i]; !dup {
				cols[i] = f
			}
		}
	})
	return cols
}

func hasRequired(cols map[int]field) bool {
	present := make(map[field]bool, len(cols))
	for _, f := range cols {
		present[f] = true
	}
	for _, f := range requiredFields {
		if !present[f] {
			return false
		}
	}
	return true
}

func parseRow(cells *goquery.Selection, columns map[int]field, entity models.Entity) (models.Result, error) {
	row := models.Result{AthleteName: entity.Name, AthleteID: entity.ExternalID}

	var err error
	cells.EachWithBreak(func(i int, cell *goquery.Selection) bool {
		text := strings.TrimSpace(cell.Text())
		switch columns[i] {
		case fieldEvent:
			row.Event = strings.Join(strings.Fields(text), " ")
		case fieldRunDate:
			row.RunDate, err = ParseRunDate(text)
		case fieldRunNumber:
			// Optional column; an unreadable value is left at zero.
			if n, convErr := ParseInt(text); convErr == nil {
				row.RunNumber = n
			}
		case fieldPosition:
			row.Position, err = ParseInt(text)
		case fieldTime:
			row.Time, err = ParseElapsed(text)
		case fieldAgeGrade:
			if v, convErr := ParseAgeGrade(text); convErr == nil {
				row.AgeGrade = v
			}
		case fieldPB:
			row.PB = IsPB(text)
		}
		return err == nil
	})
	if err != nil {
		return models.Result{}, err
	}
	if err := ValidateResult(&row); err != nil {
		return models.Result{}, fmt.Errorf("invalid row: %w", err)
	}
	return row, nil
}

func normalizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
