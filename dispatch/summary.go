package dispatch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/c360studio/tse/schema"
)

// SummaryWriter appends one row per completed Solution to
// <out_dir>/summary.csv, columns = design-variable names then metric
// names in the order passed to NewSummaryWriter. The Dispatcher passes
// the objective names sorted by name; the request's own key order is
// not kept.
type SummaryWriter struct {
	mu            sync.Mutex
	path          string
	file          *os.File
	writer        *csv.Writer
	designColumns []string
	metricColumns []string
	headerWritten bool
}

// NewSummaryWriter creates the out_dir (if needed) and opens
// summary.csv for append, with metricColumns fixed in the order given.
func NewSummaryWriter(outDir string, metricColumns []string) (*SummaryWriter, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: create out dir %s: %w", outDir, err)
	}
	path := filepath.Join(outDir, "summary.csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open %s: %w", path, err)
	}
	return &SummaryWriter{
		path:          path,
		file:          f,
		writer:        csv.NewWriter(f),
		metricColumns: metricColumns,
	}, nil
}

// Append writes one row for the Solution. Design-variable columns are
// discovered from the first Solution written and held fixed afterward,
// matching the "columns = design-variable names then metric names"
// contract for a single run's summary.
func (w *SummaryWriter) Append(sol *schema.Solution) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		names := make([]string, 0, len(sol.DesignVariables))
		for name := range sol.DesignVariables {
			names = append(names, name)
		}
		sort.Strings(names)
		w.designColumns = names

		header := append(append([]string{}, w.designColumns...), w.metricColumns...)
		if err := w.writer.Write(header); err != nil {
			return fmt.Errorf("dispatch: write summary header: %w", err)
		}
		w.headerWritten = true
	}

	row := make([]string, 0, len(w.designColumns)+len(w.metricColumns))
	for _, name := range w.designColumns {
		row = append(row, fmt.Sprintf("%v", sol.DesignVariables[name]))
	}
	for _, metric := range w.metricColumns {
		row = append(row, fmt.Sprintf("%v", sol.Objectives[metric]))
	}

	if err := w.writer.Write(row); err != nil {
		return fmt.Errorf("dispatch: write summary row: %w", err)
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the underlying file.
func (w *SummaryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	return w.file.Close()
}

// writeArchitectureFiles persists each enumerated architecture's
// document to <out_dir>/<arch_id>/arch.json, the run's durable record
// of exactly what was dispatched.
func writeArchitectureFiles(outDir string, archs []Architecture) error {
	for _, arch := range archs {
		dir := filepath.Join(outDir, arch.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dispatch: create architecture dir %s: %w", dir, err)
		}
		path := filepath.Join(dir, "arch.json")
		if err := os.WriteFile(path, arch.Document, 0o644); err != nil {
			return fmt.Errorf("dispatch: write %s: %w", path, err)
		}
	}
	return nil
}
