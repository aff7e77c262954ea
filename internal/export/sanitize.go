package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeName keeps letters, digits and a few punctuation marks, replacing anything else with an
// underscore and dropping control characters.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("output_dir is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("output_dir cannot contain path traversal")
		}
	}

	cleaned := filepath.Clean(dir)
	if cleaned != dir {
		return fmt.Errorf("output_dir must be clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output_dir does not exist")
		}
		return fmt.Errorf("invalid output_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output_dir is not a directory")
	}

	return nil
}

// DefaultProjectName is used when a project name sanitizes to nothing.
const DefaultProjectName = "heimdex_edit"

// ProjectName sanitizes a user-supplied project name for use as a title and file name.
func ProjectName(s string, maxLen int) string {
	name := SanitizeName(s, maxLen)
	if strings.Trim(name, ".") == "" {
		return DefaultProjectName
	}
	return name
}

// WriteFile renders clips in format f into <dir>/<project><ext> and returns the written path.
func WriteFile(dir, projectName string, f Format, clips []Clip, frameRate float64) (string, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return "", err
	}
	name := ProjectName(projectName, 120)
	data, err := Render(f, clips, name, frameRate)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+f.Extension())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", f, err)
	}
	return path, nil
}
