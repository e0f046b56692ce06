package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The schema ships inside the migrator binary. A deployment needs the image
// and a DATABASE_URL, nothing mounted.
//
//go:embed *.sql
var migrationFS embed.FS

// Migration files are named NNN_name.up.sql / NNN_name.down.sql with a
// zero-padded sequence and a lowercase name. Anything else in the embedded
// set fails verification, so a misnamed file breaks the binary at startup
// instead of shipping half a schema.
var migrationName = regexp.MustCompile(`^(\d{3})_([a-z][a-z0-9_]*)\.(up|down)\.sql$`)

var (
	// ErrNoMigrations is returned when the embedded set is empty.
	ErrNoMigrations = errors.New("no embedded migration files")

	// ErrBadMigrationName is returned for a .sql file that does not follow
	// the NNN_name.(up|down).sql convention.
	ErrBadMigrationName = errors.New("migration filename does not match NNN_name.(up|down).sql")

	// ErrUnpairedMigration is returned when a sequence is missing one of its
	// halves, or its up and down halves carry different names.
	ErrUnpairedMigration = errors.New("migration up/down pair is incomplete")

	// ErrDuplicateMigration is returned when two files claim the same
	// sequence and direction.
	ErrDuplicateMigration = errors.New("duplicate migration sequence")

	// ErrSequenceGap is returned when sequences do not run 001..n without
	// holes.
	ErrSequenceGap = errors.New("migration sequence has a gap")
)

// migrationFile is one parsed migration filename.
type migrationFile struct {
	sequence  int
	name      string
	direction string
}

// parseMigrationName splits NNN_name.up.sql into its parts.
func parseMigrationName(filename string) (migrationFile, error) {
	m := migrationName.FindStringSubmatch(filename)
	if m == nil {
		return migrationFile{}, fmt.Errorf("%w: %s", ErrBadMigrationName, filename)
	}

	sequence, _ := strconv.Atoi(m[1]) // three digits by regexp

	return migrationFile{sequence: sequence, name: m[2], direction: m[3]}, nil
}

// listMigrations returns the .sql files in fsys sorted by name. A .sql file
// that does not parse fails the whole listing; non-SQL entries are ignored.
func listMigrations(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		if _, err := parseMigrationName(entry.Name()); err != nil {
			return nil, err
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// verifyMigrations checks that fsys holds a complete migration set: every
// sequence has exactly one up and one down file sharing a name, and the
// sequences run from 001 with no holes.
func verifyMigrations(fsys fs.FS) error {
	files, err := listMigrations(fsys)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]string) // sequence -> direction -> name

	for _, filename := range files {
		file, err := parseMigrationName(filename)
		if err != nil {
			return err
		}

		if pairs[file.sequence] == nil {
			pairs[file.sequence] = make(map[string]string)
		}

		if seen, ok := pairs[file.sequence][file.direction]; ok {
			return fmt.Errorf("%w: %03d names both %s and %s",
				ErrDuplicateMigration, file.sequence, seen, file.name)
		}

		pairs[file.sequence][file.direction] = file.name
	}

	sequences := make([]int, 0, len(pairs))
	for sequence := range pairs {
		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, sequence)
		}

		up, hasUp := pairs[sequence]["up"]
		down, hasDown := pairs[sequence]["down"]

		if !hasUp || !hasDown {
			return fmt.Errorf("%w: %03d", ErrUnpairedMigration, sequence)
		}

		if up != down {
			return fmt.Errorf("%w: %03d pairs %s.up with %s.down",
				ErrUnpairedMigration, sequence, up, down)
		}
	}

	return nil
}

// newestSequence reports the highest migration sequence in fsys, 0 when the
// set is empty or unreadable.
func newestSequence(fsys fs.FS) int {
	files, err := listMigrations(fsys)
	if err != nil {
		return 0
	}

	newest := 0

	for _, filename := range files {
		if file, err := parseMigrationName(filename); err == nil && file.sequence > newest {
			newest = file.sequence
		}
	}

	return newest
}
