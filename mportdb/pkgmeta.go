package mportdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/mport/mport/mporterr"
)

// Automatic marks why a package was installed.
type Automatic int

const (
	Explicit Automatic = iota
	AutoInstalled
)

// PkgType distinguishes applications from base-system packages.
type PkgType int

const (
	TypeApp PkgType = iota
	TypeSystem
)

// Action is the transient planner tag. Never persisted.
type Action int

const (
	ActionUnknown Action = iota
	ActionInstall
	ActionUpgrade
	ActionUpdate
	ActionDelete
)

// PackageMeta is the typed view of one packages row.
type PackageMeta struct {
	Name           string
	Version        string
	Origin         string
	Prefix         string
	Lang           string
	Options        string
	Comment        string
	Desc           string
	OSRelease      string
	CPE            string
	Locked         bool
	Deprecated     string
	ExpirationDate int64 // epoch seconds, 0 = none
	NoProvideShlib bool
	Flavor         string
	Automatic      Automatic
	InstallDate    time.Time
	Type           PkgType
	Flatsize       int64
	Status         string

	Action Action // planner scratch, not stored
}

const pkgColumns = `pkg, version, origin, prefix, lang, options, comment, "desc", os_release, cpe,
	locked, deprecated, expiration_date, no_provide_shlib, flavor, automatic, install_date, type, flatsize, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(r rowScanner) (*PackageMeta, error) {
	var (
		p               PackageMeta
		locked, noShlib int
		automatic, typ  int
		installDate     int64
	)
	err := r.Scan(&p.Name, &p.Version, &p.Origin, &p.Prefix, &p.Lang, &p.Options, &p.Comment,
		&p.Desc, &p.OSRelease, &p.CPE, &locked, &p.Deprecated, &p.ExpirationDate, &noShlib,
		&p.Flavor, &automatic, &installDate, &typ, &p.Flatsize, &p.Status)
	if err != nil {
		return nil, err
	}
	p.Locked = locked != 0
	p.NoProvideShlib = noShlib != 0
	p.Automatic = Automatic(automatic)
	p.Type = PkgType(typ)
	if installDate > 0 {
		p.InstallDate = time.Unix(installDate, 0)
	}
	return &p, nil
}

func (d *DB) queryPackages(ctx context.Context, query string, args ...any) ([]*PackageMeta, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "package query")
	}
	defer rows.Close()

	var out []*PackageMeta
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, mporterr.Wrap(mporterr.DbCorruption, err, "package row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// List returns every installed package ordered by (pkg, version).
func (d *DB) List(ctx context.Context) ([]*PackageMeta, error) {
	return d.queryPackages(ctx,
		"SELECT "+pkgColumns+" FROM packages ORDER BY pkg, version")
}

// ListLocked returns the locked subset, same ordering.
func (d *DB) ListLocked(ctx context.Context) ([]*PackageMeta, error) {
	return d.queryPackages(ctx,
		"SELECT "+pkgColumns+" FROM packages WHERE locked=1 ORDER BY pkg, version")
}

// Get fetches one package by name. Returns (nil, nil) when not installed.
func (d *DB) Get(ctx context.Context, name string) (*PackageMeta, error) {
	pkgs, err := d.queryPackages(ctx,
		"SELECT "+pkgColumns+" FROM packages WHERE pkg=?", name)
	if err != nil || len(pkgs) == 0 {
		return nil, err
	}
	return pkgs[0], nil
}

// SearchMaster runs a caller-supplied WHERE fragment with bound
// parameters. Callers never concatenate user input into the fragment.
func (d *DB) SearchMaster(ctx context.Context, where string, args ...any) ([]*PackageMeta, error) {
	return d.queryPackages(ctx,
		"SELECT "+pkgColumns+" FROM packages WHERE "+where+" ORDER BY pkg, version", args...)
}

// SearchTerm finds installed packages whose name, comment or description
// contains term.
func (d *DB) SearchTerm(ctx context.Context, term string) ([]*PackageMeta, error) {
	like := "%" + term + "%"
	return d.SearchMaster(ctx, `pkg LIKE ? OR comment LIKE ? OR "desc" LIKE ?`, like, like, like)
}

// DownDepends returns the packages pkg requires, in stable (pkg, version)
// order.
func (d *DB) DownDepends(ctx context.Context, pkg string) ([]*PackageMeta, error) {
	return d.queryPackages(ctx,
		`SELECT `+qualified(pkgColumns)+` FROM packages, depends
		 WHERE packages.pkg = depends.depend_pkgname AND depends.pkg = ?
		 ORDER BY packages.pkg, packages.version`, pkg)
}

// UpDepends returns the packages that require pkg.
func (d *DB) UpDepends(ctx context.Context, pkg string) ([]*PackageMeta, error) {
	return d.queryPackages(ctx,
		`SELECT `+qualified(pkgColumns)+` FROM packages, depends
		 WHERE packages.pkg = depends.pkg AND depends.depend_pkgname = ?
		 ORDER BY packages.pkg, packages.version`, pkg)
}

func qualified(cols string) string {
	out := ""
	for i, c := range splitColumns(cols) {
		if i > 0 {
			out += ", "
		}
		out += "packages." + c
	}
	return out
}

func splitColumns(cols string) []string {
	var out []string
	field := ""
	for _, r := range cols {
		switch r {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\n', '\t':
			// skip
		default:
			field += string(r)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// DependRow is one raw dependency edge; Depends returns those declared by
// pkg.
type DependRow struct {
	Pkg            string
	DependPkgname  string
	DependVersion  string
	DependPort     string
}

func (d *DB) Depends(ctx context.Context, pkg string) ([]*DependRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT pkg, depend_pkgname, IFNULL(depend_pkgversion,''), IFNULL(depend_port,'') FROM depends WHERE pkg=?", pkg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DependRow
	for rows.Next() {
		var r DependRow
		if err := rows.Scan(&r.Pkg, &r.DependPkgname, &r.DependVersion, &r.DependPort); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// stubPackageSelects is tried in order; older bundles predate flatsize and
// type, so the reader attempts successively fewer columns and synthesizes
// defaults.
var stubPackageSelects = []string{
	`SELECT pkg, version, origin, prefix, lang, options, comment, IFNULL("desc",''), os_release, cpe,
		0, IFNULL(deprecated,''), IFNULL(expiration_date,0), IFNULL(no_provide_shlib,0),
		IFNULL(flavor,''), 0, 0, IFNULL(type,0), IFNULL(flatsize,0), 'dirty' FROM stub.packages`,
	`SELECT pkg, version, origin, prefix, lang, options, comment, IFNULL("desc",''), os_release, cpe,
		0, IFNULL(deprecated,''), IFNULL(expiration_date,0), IFNULL(no_provide_shlib,0),
		IFNULL(flavor,''), 0, 0, IFNULL(type,0), 0, 'dirty' FROM stub.packages`,
	`SELECT pkg, version, origin, prefix, lang, options, comment, IFNULL("desc",''), os_release, cpe,
		0, IFNULL(deprecated,''), IFNULL(expiration_date,0), IFNULL(no_provide_shlib,0),
		IFNULL(flavor,''), 0, 0, 0, 0, 'dirty' FROM stub.packages`,
}

// StubPackages reads every package row out of the attached stub database.
func (d *DB) StubPackages(ctx context.Context) ([]*PackageMeta, error) {
	var count int
	if err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM stub.packages").Scan(&count); err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "stub package count")
	}
	if count == 0 {
		return nil, mporterr.New(mporterr.Fatal, "stub database contains no packages")
	}

	var (
		pkgs []*PackageMeta
		err  error
	)
	for _, q := range stubPackageSelects {
		pkgs, err = d.queryPackages(ctx, q)
		if err == nil {
			return pkgs, nil
		}
	}
	return nil, err
}

// UpdateStatus flips the dirty/clean marker on one row.
func (d *DB) UpdateStatus(ctx context.Context, pkg, status string) error {
	_, err := d.conn.ExecContext(ctx, "UPDATE packages SET status=? WHERE pkg=?", status, pkg)
	return err
}

// SetAutomatic updates the explicit/automatic marker in place.
func (d *DB) SetAutomatic(ctx context.Context, pkg string, a Automatic) error {
	_, err := d.conn.ExecContext(ctx, "UPDATE packages SET automatic=? WHERE pkg=?", int(a), pkg)
	return err
}

// SetLocked updates the lock flag in place.
func (d *DB) SetLocked(ctx context.Context, pkg string, locked bool) error {
	v := 0
	if locked {
		v = 1
	}
	res, err := d.conn.ExecContext(ctx, "UPDATE packages SET locked=? WHERE pkg=?", v, pkg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mporterr.Newf(mporterr.Warn, "no such package: %s", pkg)
	}
	return nil
}

// WhichPackage finds the package owning path. The stored asset paths are
// absolute with the root prefix stripped, and the lookup is an exact match,
// so the caller passes the absolute live path; a prefix-relative path does
// not match.
func (d *DB) WhichPackage(ctx context.Context, path string) (*PackageMeta, error) {
	var name string
	err := d.conn.QueryRowContext(ctx,
		"SELECT pkg FROM assets WHERE data=? LIMIT 1", path).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, name)
}
