// Package migrations embeds the schema for every supported SQL dialect and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

//go:embed postgres/*.sql mysql/*.sql
var files embed.FS

// Runner applies embedded migrations to an open database handle. It does not
// own the handle.
type Runner struct {
	m *migrate.Migrate
}

func New(db *sql.DB, dialect string) (*Runner, error) {
	source, err := iofs.New(files, dialect)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s migrations", dialect)
	}

	var (
		driver database.Driver
		name   string
	)
	switch dialect {
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
		name = "pgx5"
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
		name = "mysql"
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s migration driver", dialect)
	}

	m, err := migrate.NewWithInstance("iofs", source, name, driver)
	if err != nil {
		return nil, errors.Wrap(err, "init migrations")
	}
	return &Runner{m: m}, nil
}

func (r *Runner) Up() error {
	err := r.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("[migrate] schema already up to date")
		return nil
	}
	return errors.Wrap(err, "migrate up")
}

func (r *Runner) Down() error {
	err := r.m.Down()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return errors.Wrap(err, "migrate down")
}

// Version reports the applied schema version. A fresh database reports 0.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "migrate version")
	}
	return version, dirty, nil
}

// Dialects lists the dialects with embedded migrations.
func Dialects() []string {
	return []string{DialectPostgres, DialectMySQL}
}
