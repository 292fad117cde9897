package dataset

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

// Column aliases accepted in dataset headers. Both the scraper's English
// headers and the Azerbaijani headers of the converted export are recognised.
var columnAliases = map[string]string{
	"brand":       "brand",
	"marka":       "brand",
	"make":        "brand",
	"model":       "model",
	"year":        "year",
	"il":          "year",
	"distance":    "distance",
	"mileage":     "distance",
	"yurus":       "distance",
	"engine_size": "engine_size",
	"engine":      "engine_size",
	"muherrik":    "engine_size",
	"price":       "price",
	"qiymet":      "price",
}

var requiredColumns = []string{"brand", "model", "year", "distance", "engine_size", "price"}

// LoadReport describes one load.
type LoadReport struct {
	Source    string `json:"source"`
	Rows      int    `json:"rows"`
	Malformed int    `json:"malformed"`
}

// LoadFile loads records from a .csv, .xlsx or .json/.ndjson file.
func LoadFile(path string) ([]Record, LoadReport, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(path)
	case ".xlsx":
		return LoadXLSX(path, "")
	case ".json", ".ndjson", ".jsonl":
		return LoadJSON(path)
	default:
		return nil, LoadReport{Source: path}, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
}

// LoadCSV loads records from a CSV file with a header row.
func LoadCSV(path string) ([]Record, LoadReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, LoadReport{Source: path}, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	records, report, err := ReadCSV(file)
	report.Source = path
	if err != nil {
		return nil, report, err
	}

	log.Info().
		Str("file", path).
		Int("rows", report.Rows).
		Int("malformed", report.Malformed).
		Msg("CSV dataset loaded")
	return records, report, nil
}

// ReadCSV parses CSV rows from r.
func ReadCSV(r io.Reader) ([]Record, LoadReport, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("failed to read CSV header: %w", err)
	}

	indices, err := mapHeader(header)
	if err != nil {
		return nil, LoadReport{}, err
	}

	var report LoadReport
	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				report.Rows++
				report.Malformed++
				continue
			}
			return nil, report, fmt.Errorf("failed to read CSV row: %w", err)
		}

		report.Rows++
		rec, err := parseRow(row, indices)
		if err != nil {
			report.Malformed++
			log.Debug().Err(err).Int("row", report.Rows).Msg("Skipping malformed row")
			continue
		}
		records = append(records, rec)
	}

	return records, report, nil
}

// LoadXLSX loads records from a workbook sheet. An empty sheet name selects the
// first sheet.
func LoadXLSX(path, sheet string) ([]Record, LoadReport, error) {
	report := LoadReport{Source: path}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, report, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, report, fmt.Errorf("workbook %s has no sheets", path)
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, report, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, report, fmt.Errorf("sheet %q is empty", sheet)
	}

	indices, err := mapHeader(rows[0])
	if err != nil {
		return nil, report, err
	}

	var records []Record
	for _, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		report.Rows++
		rec, err := parseRow(row, indices)
		if err != nil {
			report.Malformed++
			continue
		}
		records = append(records, rec)
	}

	log.Info().
		Str("file", path).
		Str("sheet", sheet).
		Int("rows", report.Rows).
		Int("malformed", report.Malformed).
		Msg("Workbook dataset loaded")
	return records, report, nil
}

// LoadJSON loads newline-delimited or concatenated JSON records.
func LoadJSON(path string) ([]Record, LoadReport, error) {
	report := LoadReport{Source: path}

	file, err := os.Open(path)
	if err != nil {
		return nil, report, fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var records []Record
	for decoder.More() {
		var rec Record
		report.Rows++
		if err := decoder.Decode(&rec); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				report.Malformed++
				continue
			}
			return nil, report, fmt.Errorf("failed to decode JSON record %d: %w", report.Rows, err)
		}
		records = append(records, rec)
	}

	log.Info().
		Str("file", path).
		Int("rows", report.Rows).
		Int("malformed", report.Malformed).
		Msg("JSON dataset loaded")
	return records, report, nil
}

func mapHeader(header []string) (map[string]int, error) {
	indices := make(map[string]int)
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if canonical, ok := columnAliases[name]; ok {
			if _, dup := indices[canonical]; !dup {
				indices[canonical] = i
			}
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := indices[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("dataset header is missing columns: %s", strings.Join(missing, ", "))
	}
	return indices, nil
}

func parseRow(row []string, indices map[string]int) (Record, error) {
	field := func(name string) string {
		i := indices[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	year, err := parseNumber(field("year"))
	if err != nil {
		return Record{}, fmt.Errorf("year: %w", err)
	}
	distance, err := parseNumber(field("distance"))
	if err != nil {
		return Record{}, fmt.Errorf("distance: %w", err)
	}
	engine, err := parseNumber(field("engine_size"))
	if err != nil {
		return Record{}, fmt.Errorf("engine_size: %w", err)
	}
	price, err := parseNumber(field("price"))
	if err != nil {
		return Record{}, fmt.Errorf("price: %w", err)
	}

	brand, model := field("brand"), field("model")
	if brand == "" || model == "" {
		return Record{}, fmt.Errorf("brand and model are required")
	}

	return Record{
		Brand:      brand,
		Model:      model,
		Year:       int(year),
		Distance:   distance,
		EngineSize: engine,
		Price:      price,
	}, nil
}

// parseNumber accepts plain numbers with optional thousands separators.
func parseNumber(s string) (float64, error) {
	s = strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(s)
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
