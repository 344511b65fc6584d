package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/metrics"
	"github.com/openpid/doi-exporter/internal/serialize"
)

// partitionWriter owns the output files of one bucket: a monotonically
// numbered sequence of gzip JSONL files plus a single gzip CSV summary
// covering the whole bucket. Rotation opens the next sequence file; the
// CSV is never rotated.
type partitionWriter struct {
	dir string
	key bucket.Key

	partIndex int
	jsonFile  *os.File
	jsonGz    *gzip.Writer

	csvFile *os.File
	csvGz   *gzip.Writer
	csvW    *csv.Writer
}

// newPartitionWriter creates the bucket directory and opens part_0000
// and the summary CSV with its header row.
func newPartitionWriter(root string, key bucket.Key) (*partitionWriter, error) {
	dir := filepath.Join(root, "dois", key.Dir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}

	w := &partitionWriter{dir: dir, key: key}

	if err := w.openPart(); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(dir, key.String()+".csv.gz")
	f, err := os.Create(csvPath)
	if err != nil {
		w.closeJSON()
		return nil, fmt.Errorf("open summary file %s: %w", csvPath, err)
	}
	w.csvFile = f
	w.csvGz = gzip.NewWriter(f)
	w.csvW = csv.NewWriter(w.csvGz)

	if err := w.csvW.Write(serialize.CSVHeader); err != nil {
		w.Close()
		return nil, fmt.Errorf("write summary header: %w", err)
	}
	return w, nil
}

func (w *partitionWriter) openPart() error {
	path := filepath.Join(w.dir, fmt.Sprintf("part_%04d.jsonl.gz", w.partIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open sequence file %s: %w", path, err)
	}
	w.jsonFile = f
	w.jsonGz = gzip.NewWriter(f)
	return nil
}

// WriteRow appends one denormalized row to the summary CSV.
func (w *partitionWriter) WriteRow(row []string) error {
	if err := w.csvW.Write(row); err != nil {
		return fmt.Errorf("write summary row: %w", err)
	}
	return nil
}

// WriteDocument appends one serialized record to the current sequence file.
func (w *partitionWriter) WriteDocument(doc map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := w.jsonGz.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := w.jsonGz.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Rotate closes the current sequence file and opens the next one.
func (w *partitionWriter) Rotate() error {
	if err := w.closeJSON(); err != nil {
		return err
	}
	w.partIndex++
	if m := metrics.Get(); m != nil {
		m.FileRotations.Inc()
	}
	return w.openPart()
}

func (w *partitionWriter) closeJSON() error {
	if w.jsonGz == nil {
		return nil
	}
	gzErr := w.jsonGz.Close()
	fileErr := w.jsonFile.Close()
	w.jsonGz = nil
	w.jsonFile = nil
	if gzErr != nil {
		return fmt.Errorf("close sequence file: %w", gzErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close sequence file: %w", fileErr)
	}
	return nil
}

func (w *partitionWriter) closeCSV() error {
	if w.csvW == nil {
		return nil
	}
	w.csvW.Flush()
	flushErr := w.csvW.Error()
	gzErr := w.csvGz.Close()
	fileErr := w.csvFile.Close()
	w.csvW = nil
	if flushErr != nil {
		return fmt.Errorf("close summary file: %w", flushErr)
	}
	if gzErr != nil {
		return fmt.Errorf("close summary file: %w", gzErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close summary file: %w", fileErr)
	}
	return nil
}

// Close flushes and closes both output streams.
func (w *partitionWriter) Close() error {
	return errors.Join(w.closeJSON(), w.closeCSV())
}
