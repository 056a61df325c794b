package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aluiziolira/go-scrape-products/models"
)

// Output file names written by Exporter under its directory.
const (
	ItemsJSONFile  = "items.json"
	ItemsJSONLFile = "items.jsonl"
	ItemsCSVFile   = "items.csv"
	NestedJSONFile = "items_nested.json"
	ReviewsCSVFile = "reviews.csv"
	ReportJSONFile = "report.json"
)

// Exporter writes the flat, nested and tabular views plus the report.
type Exporter struct {
	dir string
}

// NewExporter returns an exporter writing into dir.
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// Path returns the location of an output file.
func (e *Exporter) Path(name string) string {
	return filepath.Join(e.dir, name)
}

// Export writes every output. All files are attempted; the returned error
// joins every failure.
func (e *Exporter) Export(snap Snapshot, report models.CrawlReport) error {
	var errs []error

	if err := WriteJSONFile(e.Path(ItemsJSONFile), FlatItems(snap)); err != nil {
		errs = append(errs, fmt.Errorf("items json: %w", err))
	}
	if err := e.writeJSONL(snap); err != nil {
		errs = append(errs, fmt.Errorf("items jsonl: %w", err))
	}
	if err := WriteJSONFile(e.Path(NestedJSONFile), NestedItems(snap)); err != nil {
		errs = append(errs, fmt.Errorf("nested json: %w", err))
	}
	if err := e.writeCSV(ItemsCSVFile, ItemColumns, ItemRows(snap)); err != nil {
		errs = append(errs, fmt.Errorf("items csv: %w", err))
	}
	if err := e.writeCSV(ReviewsCSVFile, ReviewColumns, ReviewRows(snap)); err != nil {
		errs = append(errs, fmt.Errorf("reviews csv: %w", err))
	}
	if err := WriteJSONFile(e.Path(ReportJSONFile), report); err != nil {
		errs = append(errs, fmt.Errorf("report: %w", err))
	}

	return errors.Join(errs...)
}

func (e *Exporter) writeCSV(name string, header []string, rows [][]string) error {
	w, err := NewCSVWriter(e.Path(name), header)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return err
	}
	if err := w.Validate(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (e *Exporter) writeJSONL(snap Snapshot) error {
	w, err := NewJSONWriter(e.Path(ItemsJSONLFile))
	if err != nil {
		return err
	}
	for _, it := range snap.Items {
		if err := w.Write(it); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
