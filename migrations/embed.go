// Package migrations embeds the PostgreSQL schema migrations so binaries can
// apply them without a migrations directory on disk.
//
// Filenames follow the strict standard NNN_name.up.sql / NNN_name.down.sql.
// Validate enforces the standard at startup: malformed names, unpaired
// up/down files and sequence gaps all fail fast rather than surfacing as a
// half-migrated database later.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var embedded embed.FS

// FS returns the embedded migration filesystem, ready for an iofs source
// driver.
func FS() fs.FS { return embedded }

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// Validate checks every embedded file against the naming standard, verifies
// each sequence number has both an up and a down file, and rejects gaps in
// the sequence.
func Validate() error {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	// sequence -> set of directions seen
	directions := make(map[int]map[string]bool)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := filenamePattern.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("migration %s does not match NNN_name.(up|down).sql", name)
		}

		seq, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("migration %s: bad sequence: %w", name, err)
		}

		if directions[seq] == nil {
			directions[seq] = make(map[string]bool)
		}

		directions[seq][m[3]] = true
	}

	if len(directions) == 0 {
		return fmt.Errorf("no embedded migrations found")
	}

	var sequences []int
	for seq := range directions {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence must start at 001, found %03d", sequences[0])
	}

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", i+1, seq)
		}

		if !directions[seq]["up"] {
			return fmt.Errorf("migration %03d has no up file", seq)
		}

		if !directions[seq]["down"] {
			return fmt.Errorf("migration %03d has no down file", seq)
		}
	}

	return nil
}
