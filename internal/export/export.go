// Package export renders execution records to files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
)

// fileTimeLayout keeps file names sortable and free of path separators.
const fileTimeLayout = "20060102T150405Z"

var csvHeader = []string{
	"id", "status", "startedAt", "completedAt", "durationMs", "triggeredBy",
	"totalSteps", "successfulSteps", "creditsUsed", "description", "retryOf",
}

// FileName returns the download name for an export taken at the given time.
func FileName(agentID string, at time.Time, format query.Format) string {
	return fmt.Sprintf("executions-%s-%s%s", agentID, at.UTC().Format(fileTimeLayout), format.Extension())
}

// Encode writes records in the requested format.
func Encode(w io.Writer, records []execution.Record, format query.Format) error {
	switch format {
	case query.FormatStructured:
		if records == nil {
			records = []execution.Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case query.FormatTabular:
		return encodeCSV(w, records)
	default:
		return fmt.Errorf("%w: format %q", query.ErrInvalidFilter, format)
	}
}

func encodeCSV(w io.Writer, records []execution.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID,
			string(r.Status),
			r.StartedAt.UTC().Format(time.RFC3339),
			"",
			"",
			"",
			strconv.Itoa(r.Summary.TotalSteps),
			strconv.Itoa(r.Summary.SuccessfulSteps),
			strconv.Itoa(r.Summary.CreditsUsed),
			r.Summary.Description,
			r.RetryOf,
		}
		if r.CompletedAt != nil {
			row[3] = r.CompletedAt.UTC().Format(time.RFC3339)
		}
		if r.DurationMS != nil {
			row[4] = strconv.FormatInt(*r.DurationMS, 10)
		}
		if r.TriggeredBy != nil {
			row[5] = *r.TriggeredBy
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes data to dir/name through a temporary file in the same
// directory, so the target either holds the complete payload or does not
// exist.
func Save(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}
	target := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("syncing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("closing export: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return "", fmt.Errorf("renaming export: %w", err)
	}
	return target, nil
}
