// Package export writes recorded transitions to CSV or JSON files.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rebeliceyang/vizconn/internal/models"
)

// ToFile picks the format from the file extension (.csv or .json)
func ToFile(transitions []models.Transition, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ExportToCSV(transitions, path)
	case ".json":
		return ExportToJSON(transitions, path)
	default:
		return fmt.Errorf("unsupported export format %q (want .csv or .json)", filepath.Ext(path))
	}
}

// ExportToCSV exports transitions to a CSV file
func ExportToCSV(transitions []models.Transition, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	writer := csv.NewWriter(file)

	header := []string{"ID", "Connection", "Host", "State", "Message", "At"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, t := range transitions {
		row := []string{
			strconv.Itoa(t.ID),
			t.ConnectionName,
			t.Host,
			t.State.String(),
			t.Message,
			t.At.UTC().Format("2006-01-02 15:04:05"),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ExportToJSON exports transitions to a JSON file
func ExportToJSON(transitions []models.Transition, path string) error {
	if transitions == nil {
		transitions = []models.Transition{}
	}
	data, err := json.MarshalIndent(transitions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transitions to JSON: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}

	return nil
}
