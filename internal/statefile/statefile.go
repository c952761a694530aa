// Package statefile reads and writes the KEY=value files that let entities
// survive a daemon restart.
package statefile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Header is written as the first line of every state file.
const Header = "# This is private data. Do not parse."

var valueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

var valueUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n")

// Write atomically replaces path with vals, one KEY=value per line in key
// order. Empty values are omitted.
func Write(path string, vals map[string]string) error {
	keys := make([]string, 0, len(vals))
	for k, v := range vals {
		if strings.ContainsAny(k, "=\n") || k == "" {
			return fmt.Errorf("state file %q: invalid key %q", path, k)
		}
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(Header + "\n")
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, valueEscaper.Replace(vals[k]))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory %q: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file %q: %w", path, err)
	}
	return nil
}

// Read parses a state file. Comment and malformed lines are skipped.
func Read(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state file %q: %w", path, err)
	}
	defer f.Close()

	vals := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vals[k] = valueUnescaper.Replace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read state file %q: %w", path, err)
	}
	return vals, nil
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove state file %q: %w", path, err)
	}
	return nil
}

// List returns the names of the state files in dir, sorted. A missing
// directory yields no names.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list state directory %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
