// Package mportdb is the SQLite-backed metadata store: the live package
// database schema, typed row mapping, query helpers and the event log.
// All writers funnel through this package; phase-2 installs run inside a
// single transaction it hands out.
package mportdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	sqlite "modernc.org/sqlite"

	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportversion"
)

var registerOnce sync.Once

// registerVersionCmp exposes the version algebra to SQL as
// version_cmp(a, b). Registration is process-global in the driver.
func registerVersionCmp() {
	registerOnce.Do(func() {
		sqlite.MustRegisterDeterministicScalarFunction("version_cmp", 2,
			func(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				a, ok := args[0].(string)
				if !ok {
					return nil, fmt.Errorf("version_cmp: argument 1 is not text")
				}
				b, ok := args[1].(string)
				if !ok {
					return nil, fmt.Errorf("version_cmp: argument 2 is not text")
				}
				return int64(mportversion.Cmp(a, b)), nil
			})
	})
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS packages (
		pkg TEXT NOT NULL PRIMARY KEY,
		version TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		prefix TEXT NOT NULL DEFAULT '/usr/local',
		lang TEXT NOT NULL DEFAULT '',
		options TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		"desc" TEXT NOT NULL DEFAULT '',
		os_release TEXT NOT NULL DEFAULT '',
		cpe TEXT NOT NULL DEFAULT '',
		locked INT NOT NULL DEFAULT 0,
		deprecated TEXT NOT NULL DEFAULT '',
		expiration_date INT NOT NULL DEFAULT 0,
		no_provide_shlib INT NOT NULL DEFAULT 0,
		flavor TEXT NOT NULL DEFAULT '',
		automatic INT NOT NULL DEFAULT 0,
		install_date INT NOT NULL DEFAULT 0,
		type INT NOT NULL DEFAULT 0,
		flatsize INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'dirty'
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		pkg TEXT NOT NULL,
		type INT NOT NULL,
		data TEXT,
		checksum TEXT,
		owner TEXT,
		grp TEXT,
		mode TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS assets_pkg ON assets (pkg)`,
	`CREATE TABLE IF NOT EXISTS depends (
		pkg TEXT NOT NULL,
		depend_pkgname TEXT NOT NULL,
		depend_pkgversion TEXT,
		depend_port TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS depends_pkg ON depends (pkg)`,
	`CREATE INDEX IF NOT EXISTS depends_depend ON depends (depend_pkgname)`,
	`CREATE TABLE IF NOT EXISTS categories (
		pkg TEXT NOT NULL,
		category TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		pkg TEXT NOT NULL,
		conflict_pkg TEXT NOT NULL,
		conflict_version TEXT NOT NULL DEFAULT '*'
	)`,
	`CREATE TABLE IF NOT EXISTS log (
		pkg TEXT NOT NULL,
		version TEXT NOT NULL,
		date INT NOT NULL,
		msg TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT NOT NULL PRIMARY KEY,
		val TEXT NOT NULL
	)`,
}

// DB owns the single SQLite connection to the live database.
type DB struct {
	conn     *sql.DB
	path     string
	settings *mportconfig.Settings
	clock    mportcb.Clock
	log      *zap.Logger

	lockf *os.File // advisory flock, held while mutating
}

// Open opens (creating if needed) the live database and prepares the
// schema. The version_cmp SQL function is available on every connection.
func Open(settings *mportconfig.Settings, logger *zap.Logger, clock mportcb.Clock) (*DB, error) {
	registerVersionCmp()

	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = mportcb.SystemClock{}
	}

	path := settings.MasterDB()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// one owned connection; the engine is single-threaded cooperative
	conn.SetMaxOpenConns(1)

	d := &DB{
		conn:     conn,
		path:     path,
		settings: settings,
		clock:    clock,
		log:      logger,
	}

	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("database opened", zap.String("path", path))
	return d, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (d *DB) init() error {
	for _, stmt := range schema {
		if _, err := d.conn.Exec(stmt); err != nil {
			return mporterr.Wrapf(mporterr.DbCorruption, err, "schema init")
		}
	}
	return nil
}

// Conn exposes the underlying handle for components that share the
// connection (stub attach, installer transaction).
func (d *DB) Conn() *sql.DB { return d.conn }

// Clock returns the clock this store timestamps with.
func (d *DB) Clock() mportcb.Clock { return d.clock }

func (d *DB) Close() error {
	if d.lockf != nil {
		d.Unlock()
	}
	return d.conn.Close()
}

// Begin opens the write transaction owned by phase 2 of an install or the
// row removal of a delete.
func (d *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.conn.BeginTx(ctx, nil)
}

// Lock takes the advisory filesystem lock over the database path. It must
// be held for the duration of any mutating operation and released on all
// exit paths.
func (d *DB) Lock() error {
	f, err := os.OpenFile(d.settings.LockPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return mporterr.Wrapf(mporterr.Fatal, err, "another mport process holds %s", d.settings.LockPath())
	}
	d.lockf = f
	return nil
}

// Unlock releases the advisory lock. Safe to call when not held.
func (d *DB) Unlock() {
	if d.lockf == nil {
		return
	}
	_ = unix.Flock(int(d.lockf.Fd()), unix.LOCK_UN)
	_ = d.lockf.Close()
	d.lockf = nil
}

// AttachStub attaches a bundle's stub database as "stub". The attachment
// is an ordinary writable ATTACH; no read-only mode is set, and the engine
// only ever reads from it.
func (d *DB) AttachStub(path string) error {
	if _, err := d.conn.Exec("ATTACH DATABASE ? AS stub", path); err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "attach stub %s", path)
	}
	return nil
}

// DetachStub detaches the stub database. A missing stub is not an error.
func (d *DB) DetachStub() error {
	if _, err := d.conn.Exec("DETACH DATABASE stub"); err != nil {
		if strings.Contains(err.Error(), "no such database") {
			return nil
		}
		return err
	}
	return nil
}

// LogEvent appends one row to the event log.
func (d *DB) LogEvent(ctx context.Context, pkg, version, msg string) error {
	_, err := d.conn.ExecContext(ctx,
		"INSERT INTO log (pkg, version, date, msg) VALUES (?, ?, ?, ?)",
		pkg, version, d.clock.Now().Unix(), msg)
	if err != nil {
		d.log.Warn("log event failed", zap.String("pkg", pkg), zap.Error(err))
	}
	return err
}
