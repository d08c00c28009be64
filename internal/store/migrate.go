package store

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// Latest returns the highest schema version shipped with the binary.
func Latest() (uint, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, errs.Migration("migration source", err)
	}
	defer func() { _ = src.Close() }()
	versions, err := sourceVersions(src)
	if err != nil {
		return 0, err
	}
	return versions[len(versions)-1], nil
}

// Migrate brings the schema to target, or to the latest version when target
// is zero. Each step runs in its own transaction together with the version
// bump. A dirty schema left by an interrupted step is fatal.
func (db *DB) Migrate(target uint) (*MigrateResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, errs.Migration("migration source", err)
	}
	versions, err := sourceVersions(src)
	if err != nil {
		return nil, err
	}
	latest := versions[len(versions)-1]
	if target > latest {
		return nil, errs.Migration(fmt.Sprintf("target version %d", target), fmt.Errorf("latest known version is %d", latest))
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, errs.Migration("migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, errs.Migration("migration instance", err)
	}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, errs.Migration("read schema version", err)
	}
	if dirty {
		return nil, errs.Migration(fmt.Sprintf("schema version %d", from), errors.New("dirty, a previous migration was interrupted"))
	}

	if target == 0 {
		err = m.Up()
	} else {
		err = m.Migrate(target)
	}
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, errs.Migration("apply migrations", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return nil, errs.Migration("read schema version", err)
	}
	if dirty {
		return nil, errs.Migration(fmt.Sprintf("schema version %d", version), errors.New("dirty after apply"))
	}
	return &MigrateResult{From: from, Version: version, Changed: changed}, nil
}

// sourceVersions lists the shipped versions and rejects gaps: versions must
// run 1, 2, 3 ... with no holes.
func sourceVersions(src source.Driver) ([]uint, error) {
	first, err := src.First()
	if err != nil {
		return nil, errs.Migration("first migration", err)
	}
	if first != 1 {
		return nil, errs.Migration("migration versions", fmt.Errorf("first version is %d, want 1", first))
	}
	versions := []uint{first}
	for cur := first; ; {
		next, err := src.Next(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, errs.Migration("next migration", err)
		}
		if next != cur+1 {
			return nil, errs.Migration("migration versions", fmt.Errorf("gap between %d and %d", cur, next))
		}
		versions = append(versions, next)
		cur = next
	}
	return versions, nil
}
