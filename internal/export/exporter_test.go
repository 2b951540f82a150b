package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rebeliceyang/vizconn/internal/models"
)

func testTransitions() []models.Transition {
	return []models.Transition{
		{
			ID:             1,
			ConnectionName: "tool",
			Host:           "host1",
			State:          models.Failed,
			Message:        "The connection failed to connect. dial tcp: refused, \"quoted\"",
			At:             time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			ID:             2,
			ConnectionName: "tool",
			Host:           "host1",
			State:          models.Connected,
			Message:        "The connection is established.",
			At:             time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC),
		},
	}
}

func TestExportToCSV(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "history.csv")

	if err := ExportToCSV(testTransitions(), csvPath); err != nil {
		t.Fatalf("ExportToCSV failed: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("Failed to open CSV: %v", err)
	}
	defer func() { _ = file.Close() }()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read CSV: %v", err)
	}

	if len(records) != 3 { // header + 2 rows
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0][3] != "State" {
		t.Errorf("Expected header 'State', got %q", records[0][3])
	}

	row := records[1]
	if row[1] != "tool" || row[3] != "Failed" {
		t.Errorf("Unexpected first row: %v", row)
	}
	if row[4] != "The connection failed to connect. dial tcp: refused, \"quoted\"" {
		t.Errorf("Message not preserved through CSV escaping: %q", row[4])
	}
	if row[5] != "2024-01-01 12:00:00" {
		t.Errorf("Expected timestamp '2024-01-01 12:00:00', got %q", row[5])
	}
}

func TestExportToJSON(t *testing.T) {
	jsonPath := filepath.Join(t.TempDir(), "history.json")

	if err := ExportToJSON(testTransitions(), jsonPath); err != nil {
		t.Fatalf("ExportToJSON failed: %v", err)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("Failed to read JSON: %v", err)
	}

	var got []map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to parse JSON: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(got))
	}
	if got[1]["state"] != "Connected" {
		t.Errorf("Expected state 'Connected', got %v", got[1]["state"])
	}
}

func TestExportEmptyJSON(t *testing.T) {
	jsonPath := filepath.Join(t.TempDir(), "empty.json")

	if err := ExportToJSON(nil, jsonPath); err != nil {
		t.Fatalf("ExportToJSON failed: %v", err)
	}
	data, _ := os.ReadFile(jsonPath)
	if string(data) != "[]" {
		t.Errorf("Expected empty array, got %q", data)
	}
}

func TestToFile(t *testing.T) {
	dir := t.TempDir()

	if err := ToFile(testTransitions(), filepath.Join(dir, "h.CSV")); err != nil {
		t.Errorf("ToFile csv failed: %v", err)
	}
	if err := ToFile(testTransitions(), filepath.Join(dir, "h.json")); err != nil {
		t.Errorf("ToFile json failed: %v", err)
	}
	if err := ToFile(testTransitions(), filepath.Join(dir, "h.xml")); err == nil {
		t.Error("Expected an error for .xml")
	}
}
