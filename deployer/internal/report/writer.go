// Package report drains deployment records into the JSON-lines report and the optional
// history and event sinks.
package report

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// FileWriter appends one `{apiId: outcome}` line per record and flushes after each line, so
// a crashed run still leaves every finished record on disk.
type FileWriter struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// CreateFileWriter truncates path and opens it for the run.
func CreateFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", path, err)
	}
	return &FileWriter{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (fw *FileWriter) WriteRecord(rec models.Record) error {
	line, err := rec.MarshalReportLine()
	if err != nil {
		return fmt.Errorf("marshal report line: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return fw.w.Flush()
}

func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.w.Flush(); err != nil {
		fw.f.Close()
		return err
	}
	return fw.f.Close()
}
