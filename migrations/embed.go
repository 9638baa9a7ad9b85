// Package migrations embeds the PostgreSQL schema migrations and validates their layout
// before they are handed to golang-migrate.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename format: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the filesystem contains no valid migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidFilename is returned for files that do not match 001_name.(up|down).sql.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpaired is returned when an up migration has no down counterpart or vice versa.
	ErrUnpaired = errors.New("unpaired migration")

	// ErrSequenceGap is returned when sequence numbers do not run contiguously from 001.
	ErrSequenceGap = errors.New("gap in migration sequence")

	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

type (
	// Catalog wraps a migrations filesystem with validation and version lookups.
	Catalog struct {
		fs        fs.FS
		checksums map[string]string
	}

	// Info describes one parsed migration file.
	Info struct {
		Sequence  int
		Name      string
		Direction string
		Filename  string
	}
)

// FS returns the embedded migration files.
func FS() fs.FS {
	return embedded
}

// NewCatalog creates a catalog over filesystem. Pass nil to use the embedded migrations.
func NewCatalog(filesystem fs.FS) *Catalog {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Catalog{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// Source returns the filesystem backing this catalog.
func (c *Catalog) Source() fs.FS {
	return c.fs
}

// List returns every file matching the naming standard in lexicographic order, which for
// zero-padded sequences is also apply order.
func (c *Catalog) List() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks that migrations exist, are paired, contiguous, and unchanged since the
// previous call on this catalog.
func (c *Catalog) Validate() error {
	files, err := c.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	infos := make([]*Info, 0, len(files))

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return err
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	for _, file := range files {
		content, err := fs.ReadFile(c.fs, file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := fmt.Sprintf("%x", sha256.Sum256(content))

		if previous, ok := c.checksums[file]; ok && previous != sum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, file)
		}

		c.checksums[file] = sum
	}

	return nil
}

// MaxVersion returns the highest migration sequence in the catalog, or 0 when empty.
func (c *Catalog) MaxVersion() int {
	files, err := c.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, file := range files {
		if info, err := Parse(file); err == nil && info.Sequence > highest {
			highest = info.Sequence
		}
	}

	return highest
}

// Parse extracts sequence, name and direction from a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd // full match plus three groups
		return nil, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad sequence in %s: %w", ErrInvalidFilename, filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(infos []*Info) error {
	directions := make(map[string]map[string]bool)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	keys := make([]string, 0, len(directions))
	for key := range directions {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		if !directions[key]["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpaired, key)
		}

		if !directions[key]["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpaired, key)
		}
	}

	return nil
}

func validateSequence(infos []*Info) error {
	seen := make(map[int]bool)

	for _, info := range infos {
		seen[info.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("%w: sequence should start with 001, found %03d", ErrSequenceGap, sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, expected, sequences[i])
		}
	}

	return nil
}
