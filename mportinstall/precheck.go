package mportinstall

import (
	"context"

	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportversion"
)

// PrecheckFlag selects which preconditions to enforce. Failures never
// mutate state.
type PrecheckFlag int

const (
	PrecheckInstalled PrecheckFlag = 1 << iota
	PrecheckUpgradeable
	PrecheckConflicts
	PrecheckDepends
	PrecheckDeprecated
)

// CheckPreconditions runs the selected checks against the live database
// for a package about to be installed from an attached stub.
func (in *Installer) CheckPreconditions(ctx context.Context, pkg *mportdb.PackageMeta, flags PrecheckFlag) error {
	if flags&PrecheckDeprecated != 0 {
		if err := in.checkDeprecated(pkg); err != nil {
			return err
		}
	}
	if flags&PrecheckInstalled != 0 {
		if err := in.checkInstalled(ctx, pkg); err != nil {
			return err
		}
	}
	if flags&PrecheckUpgradeable != 0 {
		if err := in.checkUpgradeable(ctx, pkg); err != nil {
			return err
		}
	}
	if flags&PrecheckConflicts != 0 {
		if err := in.checkConflicts(ctx, pkg); err != nil {
			return err
		}
	}
	if flags&PrecheckDepends != 0 {
		if err := in.checkDepends(ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}

// checkDeprecated warns on packages their maintainers gave up on; the
// user can still proceed.
func (in *Installer) checkDeprecated(pkg *mportdb.PackageMeta) error {
	if pkg.Deprecated == "" {
		return nil
	}
	ok := in.cb.Confirm.Ask(
		pkg.Name+" is deprecated ("+pkg.Deprecated+"); install anyway?", "yes", "no", false)
	if !ok {
		return mporterr.Newf(mporterr.Warn, "skipped deprecated package %s", pkg.Name)
	}
	return nil
}

// checkInstalled fails when the same name is already present for this OS
// release. A flavored default package may be recorded under
// "flavor-name"; retry under that spelling before concluding.
func (in *Installer) checkInstalled(ctx context.Context, pkg *mportdb.PackageMeta) error {
	installed, err := in.db.Get(ctx, pkg.Name)
	if err != nil {
		return err
	}
	if installed == nil && pkg.Flavor != "" {
		installed, err = in.db.Get(ctx, pkg.Flavor+"-"+pkg.Name)
		if err != nil {
			return err
		}
	}
	if installed == nil {
		return nil
	}
	// a row built for another OS release is not the same package
	if pkg.OSRelease != "" && installed.OSRelease != "" && installed.OSRelease != pkg.OSRelease {
		return nil
	}
	return mporterr.Newf(mporterr.PrecheckNotUpgradeable,
		"%s (version %s) is already installed", installed.Name, installed.Version)
}

// checkUpgradeable requires the incoming version to be strictly greater
// than any existing installation of the same name.
func (in *Installer) checkUpgradeable(ctx context.Context, pkg *mportdb.PackageMeta) error {
	installed, err := in.db.Get(ctx, pkg.Name)
	if err != nil || installed == nil {
		return err
	}
	if mportversion.Cmp(pkg.Version, installed.Version) <= 0 {
		return mporterr.Newf(mporterr.PrecheckNotUpgradeable,
			"installed %s-%s is not older than %s", installed.Name, installed.Version, pkg.Version)
	}
	return nil
}

// checkConflicts matches the stub's conflict globs against the installed
// set.
func (in *Installer) checkConflicts(ctx context.Context, pkg *mportdb.PackageMeta) error {
	rows, err := in.db.Conn().QueryContext(ctx,
		`SELECT packages.pkg, packages.version FROM stub.conflicts
		 LEFT JOIN packages ON packages.pkg GLOB stub.conflicts.conflict_pkg
			AND packages.version GLOB stub.conflicts.conflict_version
		 WHERE stub.conflicts.pkg = ? AND packages.pkg IS NOT NULL`, pkg.Name)
	if err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "conflict query")
	}
	defer rows.Close()

	if rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return err
		}
		return mporterr.Newf(mporterr.PrecheckConflict,
			"installed package %s-%s conflicts with %s", name, version, pkg.Name)
	}
	return rows.Err()
}

// checkDepends requires every declared dependency to be installed at a
// satisfying version.
func (in *Installer) checkDepends(ctx context.Context, pkg *mportdb.PackageMeta) error {
	rows, err := in.db.Conn().QueryContext(ctx,
		"SELECT depend_pkgname, IFNULL(depend_pkgversion,'') FROM stub.depends WHERE pkg=?", pkg.Name)
	if err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "depends query")
	}
	defer rows.Close()

	type dep struct{ name, req string }
	var deps []dep
	for rows.Next() {
		var d dep
		if err := rows.Scan(&d.name, &d.req); err != nil {
			return err
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range deps {
		installed, err := in.db.Get(ctx, d.name)
		if err != nil {
			return err
		}
		if installed == nil {
			return mporterr.Newf(mporterr.PrecheckDependMissing,
				"%s depends on %s, which is not installed", pkg.Name, d.name)
		}
		if d.req == "" {
			continue
		}
		ok, err := mportversion.RequireCheck(installed.Version, d.req)
		if err != nil {
			return err
		}
		if !ok {
			return mporterr.Newf(mporterr.PrecheckDependMissing,
				"%s depends on %s %s, but %s is installed", pkg.Name, d.name, d.req, installed.Version)
		}
	}
	return nil
}

// checkDeletable enforces the deletion preconditions: not locked, no
// installed package requires it. Force waives both.
func (in *Installer) checkDeletable(ctx context.Context, pkg *mportdb.PackageMeta, force bool) error {
	if force {
		return nil
	}
	if pkg.Locked {
		return mporterr.Newf(mporterr.PrecheckLocked, "%s is locked", pkg.Name)
	}
	up, err := in.db.UpDepends(ctx, pkg.Name)
	if err != nil {
		return err
	}
	if len(up) > 0 {
		return mporterr.Newf(mporterr.PrecheckDependMissing,
			"%s is required by %s", pkg.Name, up[0].Name)
	}
	return nil
}
