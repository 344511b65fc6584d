package export

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/openpid/doi-exporter/internal/bucket"
)

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip %s: %v", path, err)
	}
	defer gz.Close()

	var lines []string
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}

func readGzipCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip %s: %v", path, err)
	}
	defer gz.Close()

	rows, err := csv.NewReader(gz).ReadAll()
	if err != nil && err != io.EOF {
		t.Fatalf("csv %s: %v", path, err)
	}
	return rows
}

func TestPartitionWriterLayout(t *testing.T) {
	root := t.TempDir()
	key := bucket.Key{Year: 2024, Month: 3}

	w, err := newPartitionWriter(root, key)
	if err != nil {
		t.Fatalf("newPartitionWriter: %v", err)
	}
	if err := w.WriteRow([]string{"10.1234/a", "findable", "c", "2024-03-01"}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	if err := w.WriteDocument(map[string]any{"id": "10.1234/a"}); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := filepath.Join(root, "dois", "updated_2024-03")
	lines := readGzipLines(t, filepath.Join(dir, "part_0000.jsonl.gz"))
	if len(lines) != 1 {
		t.Errorf("part_0000 has %d lines, want 1", len(lines))
	}

	rows := readGzipCSV(t, filepath.Join(dir, "2024-03.csv.gz"))
	if len(rows) != 2 {
		t.Fatalf("summary has %d rows, want header plus 1", len(rows))
	}
	if rows[0][0] != "doi" || rows[0][1] != "state" || rows[0][2] != "client_id" || rows[0][3] != "updated" {
		t.Errorf("summary header = %v", rows[0])
	}
}

func TestPartitionWriterRotation(t *testing.T) {
	root := t.TempDir()
	key := bucket.Key{Year: 2024, Month: 1}

	w, err := newPartitionWriter(root, key)
	if err != nil {
		t.Fatalf("newPartitionWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.WriteDocument(map[string]any{"n": i}); err != nil {
			t.Fatalf("WriteDocument: %v", err)
		}
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := w.WriteDocument(map[string]any{"n": 3}); err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dir := filepath.Join(root, "dois", "updated_2024-01")
	if got := len(readGzipLines(t, filepath.Join(dir, "part_0000.jsonl.gz"))); got != 3 {
		t.Errorf("part_0000 has %d lines, want 3", got)
	}
	if got := len(readGzipLines(t, filepath.Join(dir, "part_0001.jsonl.gz"))); got != 1 {
		t.Errorf("part_0001 has %d lines, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "part_0002.jsonl.gz")); !os.IsNotExist(err) {
		t.Error("rotation opened a part that was never asked for")
	}
}
