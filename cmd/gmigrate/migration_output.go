package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franksops/gomigrate/store"
)

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func migrationProgress(m *store.Migration) string {
	return fmt.Sprintf("%d/%d", m.MigratedFiles, m.TotalFiles)
}

func renderMigrationList(w io.Writer, migrations []*store.Migration) {
	if len(migrations) == 0 {
		fmt.Fprintln(w, "No migrations")
		return
	}
	rows := make([][]string, 0, len(migrations))
	for _, m := range migrations {
		rows = append(rows, []string{
			shortID(m.ID),
			string(m.SourceCategory),
			string(m.TargetProvider),
			string(m.Status),
			migrationProgress(m),
			strconv.FormatInt(m.FailedFiles, 10),
			formatBytes(m.TransferredBytes) + " / " + formatBytes(m.TotalBytes),
			formatTimestamp(m.StartedAt),
		})
	}
	fmt.Fprint(w, renderTable(
		[]string{"ID", "Category", "Target", "Status", "Files", "Failed", "Bytes", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
}

func renderMigration(w io.Writer, m *store.Migration) {
	rows := [][]string{
		{"ID", m.ID},
		{"Category", string(m.SourceCategory)},
		{"Target", string(m.TargetProvider)},
		{"Status", string(m.Status)},
		{"Files", fmt.Sprintf("%s migrated, %d failed", migrationProgress(m), m.FailedFiles)},
		{"Bytes", formatBytes(m.TransferredBytes) + " / " + formatBytes(m.TotalBytes)},
		{"Started", formatTimestamp(m.StartedAt)},
	}
	if len(m.AssetTypes) > 0 {
		rows = append(rows, []string{"Asset types", strings.Join(m.AssetTypes, ", ")})
	}
	if m.CurrentFile != "" {
		rows = append(rows, []string{"Current file", m.CurrentFile})
	}
	if m.CompletedAt != nil {
		rows = append(rows, []string{"Finished", formatTimestamp(*m.CompletedAt)})
	}
	if m.Error != "" {
		rows = append(rows, []string{"Error", m.Error})
	}
	rows = append(rows, []string{"Resumable", strconv.FormatBool(m.CanResume)})
	fmt.Fprint(w, renderTable([]string{"Field", "Value"}, rows, nil))
}

func renderFiles(w io.Writer, files []*store.FileRecord) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No files")
		return
	}
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{
			f.SourcePath,
			string(f.Status),
			formatBytes(f.FileSize),
			strconv.Itoa(f.AttemptCount),
			f.LastError,
		})
	}
	fmt.Fprint(w, renderTable(
		[]string{"Path", "Status", "Size", "Attempts", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func renderCheckpoint(w io.Writer, cp *store.Checkpoint) {
	if cp == nil {
		fmt.Fprintln(w, "No checkpoint recorded")
		return
	}
	last := cp.LastProcessedFileID
	if last == "" {
		last = "-"
	}
	rows := [][]string{
		{"Last processed file", last},
		{"Processed", strconv.FormatInt(cp.ProcessedCount, 10)},
		{"Failed", strconv.FormatInt(cp.FailedCount, 10)},
		{"Bytes", formatBytes(cp.BytesTransferred)},
		{"Saved", formatTimestamp(cp.Timestamp)},
	}
	fmt.Fprint(w, renderTable([]string{"Field", "Value"}, rows, nil))
}

func renderStorageConfigurations(w io.Writer, configs []*store.StorageConfiguration) {
	if len(configs) == 0 {
		fmt.Fprintln(w, "No storage configured; run `gmigrate storage init`")
		return
	}
	rows := make([][]string, 0, len(configs))
	for _, c := range configs {
		rows = append(rows, []string{
			string(c.Category),
			string(c.Provider),
			storageLocation(c),
			formatTimestamp(c.UpdatedAt),
		})
	}
	fmt.Fprint(w, renderTable([]string{"Category", "Provider", "Location", "Updated"}, rows, nil))
}

// storageLocation names where a configuration points without printing
// credentials.
func storageLocation(c *store.StorageConfiguration) string {
	cfg := c.Config
	switch {
	case cfg.LocalPath != "":
		return cfg.LocalPath
	case cfg.Bucket != "":
		return strings.TrimSuffix(cfg.Bucket+"/"+cfg.Prefix, "/")
	case cfg.Container != "":
		return strings.TrimSuffix(cfg.Container+"/"+cfg.Prefix, "/")
	case cfg.Host != "":
		return cfg.Host + ":" + cfg.RemotePath
	}
	return "-"
}
