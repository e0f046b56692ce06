package main

import (
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
)

// migrationSet builds an in-memory migration directory from filenames.
func migrationSet(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, name := range names {
		fsys[name] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}

	return fsys
}

func TestParseMigrationName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		filename  string
		sequence  int
		migration string
		direction string
		expectErr bool
	}{
		{
			name:      "up migration",
			filename:  "001_create_staging_tables.up.sql",
			sequence:  1,
			migration: "create_staging_tables",
			direction: "up",
		},
		{
			name:      "down migration",
			filename:  "009_create_analytics_views.down.sql",
			sequence:  9,
			migration: "create_analytics_views",
			direction: "down",
		},
		{name: "missing sequence", filename: "create_jobs.up.sql", expectErr: true},
		{name: "short sequence", filename: "01_create_jobs.up.sql", expectErr: true},
		{name: "bad direction", filename: "001_create_jobs.sideways.sql", expectErr: true},
		{name: "uppercase name", filename: "001_Create_Jobs.up.sql", expectErr: true},
		{name: "name starts with digit", filename: "001_2nd_attempt.up.sql", expectErr: true},
		{name: "not sql", filename: "001_create_jobs.up.txt", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, err := parseMigrationName(tt.filename)

			if tt.expectErr {
				if !errors.Is(err, ErrBadMigrationName) {
					t.Fatalf("parseMigrationName(%q) error = %v, want ErrBadMigrationName", tt.filename, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("parseMigrationName(%q) unexpected error: %v", tt.filename, err)
			}

			if file.sequence != tt.sequence || file.name != tt.migration || file.direction != tt.direction {
				t.Errorf("parseMigrationName(%q) = %+v", tt.filename, file)
			}
		})
	}
}

func TestListMigrationsSortsAndFilters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationSet(
		"002_second.up.sql",
		"001_first.down.sql",
		"002_second.down.sql",
		"001_first.up.sql",
	)
	fsys["README.md"] = &fstest.MapFile{Data: []byte("not a migration")}

	files, err := listMigrations(fsys)
	if err != nil {
		t.Fatalf("listMigrations() unexpected error: %v", err)
	}

	want := []string{
		"001_first.down.sql",
		"001_first.up.sql",
		"002_second.down.sql",
		"002_second.up.sql",
	}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("listMigrations() = %v, want %v", files, want)
	}
}

func TestListMigrationsRejectsStraySQL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationSet("001_first.up.sql", "001_first.down.sql")
	fsys["seed_data.sql"] = &fstest.MapFile{Data: []byte("INSERT 1;")}

	if _, err := listMigrations(fsys); !errors.Is(err, ErrBadMigrationName) {
		t.Errorf("listMigrations() error = %v, want ErrBadMigrationName", err)
	}
}

func TestVerifyMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		files     []string
		expectErr error
	}{
		{
			name: "complete set",
			files: []string{
				"001_first.up.sql", "001_first.down.sql",
				"002_second.up.sql", "002_second.down.sql",
			},
		},
		{
			name:      "empty set",
			files:     nil,
			expectErr: ErrNoMigrations,
		},
		{
			name:      "missing down half",
			files:     []string{"001_first.up.sql"},
			expectErr: ErrUnpairedMigration,
		},
		{
			name:      "missing up half",
			files:     []string{"001_first.down.sql"},
			expectErr: ErrUnpairedMigration,
		},
		{
			name: "halves disagree on name",
			files: []string{
				"001_first.up.sql", "001_renamed.down.sql",
			},
			expectErr: ErrUnpairedMigration,
		},
		{
			name: "duplicate sequence",
			files: []string{
				"001_first.up.sql", "001_first.down.sql", "001_other.up.sql",
			},
			expectErr: ErrDuplicateMigration,
		},
		{
			name: "gap in sequence",
			files: []string{
				"001_first.up.sql", "001_first.down.sql",
				"003_third.up.sql", "003_third.down.sql",
			},
			expectErr: ErrSequenceGap,
		},
		{
			name: "sequence starts past one",
			files: []string{
				"002_second.up.sql", "002_second.down.sql",
			},
			expectErr: ErrSequenceGap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyMigrations(migrationSet(tt.files...))

			if tt.expectErr == nil {
				if err != nil {
					t.Fatalf("verifyMigrations() unexpected error: %v", err)
				}

				return
			}

			if !errors.Is(err, tt.expectErr) {
				t.Errorf("verifyMigrations() error = %v, want %v", err, tt.expectErr)
			}
		})
	}
}

func TestNewestSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := migrationSet(
		"001_first.up.sql", "001_first.down.sql",
		"002_second.up.sql", "002_second.down.sql",
		"003_third.up.sql", "003_third.down.sql",
	)

	if got := newestSequence(fsys); got != 3 {
		t.Errorf("newestSequence() = %d, want 3", got)
	}

	if got := newestSequence(migrationSet()); got != 0 {
		t.Errorf("newestSequence(empty) = %d, want 0", got)
	}

	if got := newestSequence(migrationSet("junk.sql")); got != 0 {
		t.Errorf("newestSequence(unparseable) = %d, want 0", got)
	}
}

// The shipped set must satisfy every rule the verifier enforces.
func TestEmbeddedMigrationsComplete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := verifyMigrations(migrationFS); err != nil {
		t.Fatalf("embedded migration set is broken: %v", err)
	}

	files, err := listMigrations(migrationFS)
	if err != nil {
		t.Fatalf("listMigrations() unexpected error: %v", err)
	}

	if len(files)%2 != 0 {
		t.Errorf("embedded set holds %d files, want an even up/down count", len(files))
	}

	if newest := newestSequence(migrationFS); newest != len(files)/2 {
		t.Errorf("newest sequence %d does not match %d pairs", newest, len(files)/2)
	}
}

func BenchmarkVerifyMigrations(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if err := verifyMigrations(migrationFS); err != nil {
			b.Fatal(err)
		}
	}
}
