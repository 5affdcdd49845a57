// internal/download/naming.go
package download

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitize makes a name component safe for any filesystem. Each run of other
// characters, spaces included, becomes one underscore; underscores already in
// the input are kept as they are.
func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "none"
	}
	return s
}

// splitName returns the stem and extension (without the dot) of a suggested name.
func splitName(suggested string) (string, string) {
	base := filepath.Base(suggested)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), strings.ToLower(strings.TrimPrefix(ext, "."))
}

// CanonicalName formats {contextId}_{sequence:02d}_{parameter}_{originalStem}.{ext}.
func CanonicalName(contextID string, sequence int, parameter, stem, ext string) string {
	return fmt.Sprintf("%s_%02d_%s_%s.%s", sanitize(contextID), sequence, sanitize(parameter), sanitize(stem), sanitize(ext))
}

// nextSequence scans dir for artifacts of contextID and returns one past the highest.
func nextSequence(dir, contextID string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 1, nil
		}
		return 0, err
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(sanitize(contextID)) + `_(\d{2,})_`)
	highest := 0
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

const maxReserveAttempts = 100

// reserve creates an empty file under the next free canonical name. O_EXCL
// makes the claim atomic, so two concurrent runs never get the same name
// and nothing is ever overwritten.
func reserve(dir, contextID, parameter, stem, ext string) (string, error) {
	seq, err := nextSequence(dir, contextID)
	if err != nil {
		return "", fmt.Errorf("scan output directory: %w", err)
	}
	for i := 0; i < maxReserveAttempts; i++ {
		path := filepath.Join(dir, CanonicalName(contextID, seq+i, parameter, stem, ext))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free sequence number for %q after %d attempts", contextID, maxReserveAttempts)
}
