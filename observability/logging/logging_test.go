package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWritesJSON(t *testing.T) {
	logger := Setup("visiond-test", "dev")
	if logger == nil {
		t.Fatal("expected a logger")
	}
}

func TestSetupMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger := Setup("visiond-test", "dev", Options{FilePath: path})

	logger.Info("file sink check", "peer", "node-a")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, raw)
	}
	if entry["message"] != "file sink check" {
		t.Fatalf("unexpected message field: %v", entry["message"])
	}
	if entry["severity"] != "INFO" {
		t.Fatalf("unexpected severity field: %v", entry["severity"])
	}
	if entry["service"] != "visiond-test" || entry["env"] != "dev" {
		t.Fatalf("service attrs missing: %v", entry)
	}
	if entry["peer"] != "node-a" {
		t.Fatalf("structured attr lost: %v", entry)
	}
}
