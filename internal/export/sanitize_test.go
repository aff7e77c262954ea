package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeName_ControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeName_MaxLength(t *testing.T) {
	got := SanitizeName("abcdefghijklmnopqrstuvwxyz", 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len([]rune(got)), got)
	}
}

func TestSanitizeName_AllowedChars(t *testing.T) {
	input := "Az09 -_.,()"
	got := SanitizeName(input, 100)
	if got != input {
		t.Fatalf("SanitizeName changed allowed chars: got %q want %q", got, input)
	}
}

func TestSanitizeName_ReplacesDisallowed(t *testing.T) {
	got := SanitizeName("bad<>|\"name", 100)
	if got != "bad____name" {
		t.Fatalf("SanitizeName disallowed replacement mismatch: got %q", got)
	}
}

func TestValidateOutputDir_Valid(t *testing.T) {
	dir := t.TempDir()
	if err := ValidateOutputDir(dir); err != nil {
		t.Fatalf("ValidateOutputDir(%q) error = %v, want nil", dir, err)
	}
}

func TestValidateOutputDir_NotExist(t *testing.T) {
	base := t.TempDir()
	missing := filepath.Join(base, "missing")
	if err := ValidateOutputDir(missing); err == nil {
		t.Fatalf("ValidateOutputDir(%q) expected error for non-existent path", missing)
	}
}

func TestValidateOutputDir_PathTraversal(t *testing.T) {
	path := "/tmp/../etc"
	if err := ValidateOutputDir(path); err == nil {
		t.Fatalf("ValidateOutputDir(%q) expected traversal error", path)
	}
}

func TestValidateOutputDir_NotADir(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "file.txt")
	if err := os.WriteFile(filePath, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	if err := ValidateOutputDir(filePath); err == nil {
		t.Fatalf("ValidateOutputDir(%q) expected non-directory error", filePath)
	}
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"kept", "Flood Cut (v2)", 120, "Flood Cut (v2)"},
		{"replaced", "Flood <final>", 120, "Flood _final_"},
		{"empty", "", 120, DefaultProjectName},
		{"control only", "\x00\n", 120, DefaultProjectName},
		{"whitespace", "   ", 120, DefaultProjectName},
		{"dots", "..", 120, DefaultProjectName},
		{"truncated", "abcdefghij", 5, "abcde"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProjectName(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("ProjectName(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestWriteFile_Naming(t *testing.T) {
	dir := t.TempDir()
	clips := []Clip{{ClipName: "c", MediaPath: "/c.mov", SourceOut: 2 * time.Second, ShotID: 3}}

	tests := []struct {
		project string
		format  Format
		want    string
		prefix  string
	}{
		{"Flood <final>", FormatEDL, "Flood _final_.edl", "TITLE: Flood _final_\n"},
		{"\x00", FormatEDL, DefaultProjectName + ".edl", "TITLE: " + DefaultProjectName + "\n"},
		{"../escape", FormatEDL, ".._escape.edl", "TITLE: .._escape\n"},
		{"Flood", FormatFCPXML, "Flood.fcpxml", "<?xml"},
		{"", FormatFCPXML, DefaultProjectName + ".fcpxml", "<?xml"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			path, err := WriteFile(dir, tt.project, tt.format, clips, 30)
			if err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if filepath.Dir(path) != dir || filepath.Base(path) != tt.want {
				t.Fatalf("path = %q, want %s in %s", path, tt.want, dir)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read written file: %v", err)
			}
			if !strings.HasPrefix(string(data), tt.prefix) {
				t.Errorf("written file starts %q, want prefix %q", data[:min(len(data), 40)], tt.prefix)
			}
		})
	}
}

func TestWriteFile_Errors(t *testing.T) {
	dir := t.TempDir()
	clips := []Clip{{ClipName: "c", SourceOut: time.Second}}

	if _, err := WriteFile(filepath.Join(dir, "missing"), "x", FormatEDL, clips, 30); err == nil {
		t.Error("WriteFile() into a missing directory should fail")
	}
	if _, err := WriteFile(dir, "x", Format("aaf"), clips, 30); err == nil {
		t.Error("WriteFile() with an unknown format should fail")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed writes left %d files behind", len(entries))
	}
}
