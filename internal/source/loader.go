// Package source loads migration definitions from a directory of versioned
// SQL files. Files are parsed concurrently; ordering is re-imposed by sorting
// on the numeric ID afterward.
package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/thebtf/remigrate/pkg/models"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"
)

// fileNamePattern matches migration filenames of the form <digits>.<name>.sql.
// Anything else in the directory is silently ignored.
var fileNamePattern = regexp.MustCompile(`^(\d+)\.(.+)\.sql$`)

// downMarkerPattern matches the comment line separating the up script from the
// down script: "-- down", case-insensitive, optional trailing text.
var downMarkerPattern = regexp.MustCompile(`(?i)^--\s*down\b`)

// Loader reads and parses migration definitions from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given migrations directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the ascending-by-ID sequence of migration definitions found in
// the directory. All matching files are parsed in parallel; the first parse
// failure fails the whole load.
func (l *Loader) Load(ctx context.Context) ([]models.MigrationDefinition, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, &DiscoveryError{Dir: l.dir, Err: err}
	}

	type candidate struct {
		id   int64
		name string
		path string
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			// A digit run too long for int64 is not a migration file.
			continue
		}
		candidates = append(candidates, candidate{
			id:   id,
			name: m[2],
			path: filepath.Join(l.dir, entry.Name()),
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoMigrations, l.dir)
	}

	defs := make([]models.MigrationDefinition, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			def, err := parseFile(c.path, c.id, c.name)
			if err != nil {
				return err
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	for i := 1; i < len(defs); i++ {
		if defs[i].ID == defs[i-1].ID {
			return nil, fmt.Errorf("duplicate migration id %d (%s and %s)",
				defs[i].ID, defs[i-1].Name, defs[i].Name)
		}
	}

	return defs, nil
}

// parseFile reads a single migration file and splits it into up and down
// scripts at the "-- down" marker line.
func parseFile(path string, id int64, name string) (models.MigrationDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return models.MigrationDefinition{}, &ParseError{File: path, Err: err}
	}

	content := normalizeNewlines(string(raw))
	lines := strings.Split(content, "\n")

	markerIdx := -1
	for i, line := range lines {
		if downMarkerPattern.MatchString(strings.TrimSpace(line)) {
			markerIdx = i
			break
		}
	}
	if markerIdx < 0 {
		return models.MigrationDefinition{}, &ParseError{File: path, Err: ErrMalformedMigration}
	}

	return models.MigrationDefinition{
		ID:          id,
		Name:        name,
		UpScript:    stripComments(lines[:markerIdx]),
		DownScript:  stripComments(lines[markerIdx+1:]),
		ContentHash: ContentHash(content),
	}, nil
}

// stripComments drops pure comment lines and trims the remaining script.
func stripComments(lines []string) string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ContentHash computes the SHA3-512 digest of the file content with line
// endings normalized, rendered as lowercase hex. The hash is platform
// independent but sensitive to any other byte change.
func ContentHash(content string) string {
	sum := sha3.Sum512([]byte(normalizeNewlines(content)))
	return hex.EncodeToString(sum[:])
}

// normalizeNewlines converts CRLF and bare CR line endings to LF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
