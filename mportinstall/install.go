// Package mportinstall drives the transactional three-phase installer,
// the update primitive and the deletion engine over the metadata store,
// the asset list and the bundle reader.
package mportinstall

import (
	"context"
	"database/sql"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mportbundle"
	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
)

// Installer owns one install/delete/update session over the live
// database. Force waives the upgradeable and lock preconditions.
type Installer struct {
	db       *mportdb.DB
	settings *mportconfig.Settings
	cb       *mportcb.Callbacks
	log      *zap.Logger

	Force bool
}

func New(db *mportdb.DB, settings *mportconfig.Settings, cb *mportcb.Callbacks, logger *zap.Logger) *Installer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cb == nil {
		cb = &mportcb.Callbacks{}
	}
	return &Installer{db: db, settings: settings, cb: cb.Fill(), log: logger}
}

// InstallFile installs every package contained in the bundle at path.
// prefix, when non-empty, overrides the packaged install root.
func (in *Installer) InstallFile(ctx context.Context, path string, automatic mportdb.Automatic, prefix string) error {
	bundle, err := mportbundle.Open(path)
	if err != nil {
		return err
	}
	defer bundle.Finish(in.db)

	if err := bundle.AttachStub(in.db); err != nil {
		return err
	}
	if err := bundle.PrepForInstall(); err != nil {
		return err
	}

	pkgs, err := in.db.StubPackages(ctx)
	if err != nil {
		return err
	}

	for _, pkg := range pkgs {
		pkg.InstallDate = in.cb.Clock.Now()
		pkg.Automatic = automatic
		if prefix != "" {
			pkg.Prefix = prefix
		}

		flags := PrecheckConflicts | PrecheckDepends | PrecheckDeprecated
		if !in.Force {
			flags |= PrecheckUpgradeable
		}
		if err := in.CheckPreconditions(ctx, pkg, flags); err != nil {
			return err
		}

		if err := in.installPkg(ctx, bundle, pkg); err != nil {
			return err
		}
	}

	return nil
}

// installPkg runs the three phases for one package. The row is created in
// phase 2, so a phase 1 failure leaves no row at all; a phase 3 failure is
// reported and leaves the row dirty; only phase 2 rolls back.
func (in *Installer) installPkg(ctx context.Context, bundle *mportbundle.Reader, pkg *mportdb.PackageMeta) error {
	if err := in.preInstall(ctx, bundle, pkg); err != nil {
		return err
	}
	if err := in.actualInstall(ctx, bundle, pkg); err != nil {
		return err
	}
	if err := in.postInstall(ctx, bundle, pkg); err != nil {
		return err
	}

	in.log.Info("installed", zap.String("pkg", pkg.Name), zap.String("version", pkg.Version))
	return nil
}

// preInstall runs mtree, copies the lua hooks to the install-infra
// directory, runs the pre-install hooks and walks the @preexec slice of
// the plist.
func (in *Installer) preInstall(ctx context.Context, bundle *mportbundle.Reader, pkg *mportdb.PackageMeta) error {
	if err := in.runMtree(ctx, bundle, pkg); err != nil {
		return err
	}

	for _, name := range []string{
		mportbundle.LuaPreInstall, mportbundle.LuaPostInstall,
		mportbundle.LuaPreDeinstall, mportbundle.LuaPostDeinstall,
	} {
		if bundle.HasMetafile(name) {
			to := filepath.Join(in.settings.InfraDir(pkg.Name, pkg.Version), name)
			if err := copyFile(bundle.MetafilePath(name), to); err != nil {
				return mporterr.Wrapf(mporterr.Fatal, err, "copy %s", name)
			}
		}
	}

	if err := in.runLuaScript(ctx, pkg, mportbundle.LuaPreInstall); err != nil {
		return err
	}
	if err := in.runPkgScript(ctx, bundle.MetafilePath(mportbundle.InstallFile), pkg, "PRE-INSTALL"); err != nil {
		return err
	}

	assets, err := in.db.StubAssets(ctx, pkg.Name,
		[]mportasset.Type{mportasset.Cwd, mportasset.PreExec}, false)
	if err != nil {
		return err
	}

	cwd := pkg.Prefix
	for _, e := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch e.Type {
		case mportasset.Cwd:
			cwd = cwdFor(e, pkg)
		case mportasset.PreExec:
			if err := in.runAssetExec(ctx, e.Data, cwd, filepath.Join(in.settings.Root, cwd)); err != nil {
				return err
			}
		}
	}

	in.db.LogEvent(ctx, pkg.Name, pkg.Version, "preexec")
	return nil
}

func cwdFor(e *mportasset.Entry, pkg *mportdb.PackageMeta) string {
	if e.Data == "" {
		return pkg.Prefix
	}
	return e.Data
}

// actualInstall is phase 2: the single serializable transaction that
// records the package while the payload stream materializes under the
// prefix.
func (in *Installer) actualInstall(ctx context.Context, bundle *mportbundle.Reader, pkg *mportdb.PackageMeta) error {
	fileTotal, err := in.db.StubMaterializedCount(ctx, pkg.Name)
	if err != nil {
		return err
	}

	assets, err := in.db.StubAssets(ctx, pkg.Name, []mportasset.Type{
		mportasset.PreExec, mportasset.PostExec,
		mportasset.Ldconfig, mportasset.LdconfigLinux,
	}, true)
	if err != nil {
		return err
	}

	in.cb.Progress.Init("Installing " + pkg.Name + "-" + pkg.Version)
	defer in.cb.Progress.Finish()

	tx, err := in.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := in.createPackageRow(ctx, tx, pkg); err != nil {
		return err
	}
	for _, table := range []string{"depends", "categories", "conflicts"} {
		if err := copyStubTable(ctx, tx, table, pkg.Name); err != nil {
			return err
		}
	}

	var (
		cwd       = pkg.Prefix
		mode      string // inherited @mode state
		owner     string
		group     string
		flatsize  int64
		fileCount int
	)

	for _, e := range assets {
		if err := ctx.Err(); err != nil {
			return err // rollback via defer
		}

		rowData := e.Data

		switch e.Type {
		case mportasset.Cwd:
			cwd = cwdFor(e, pkg)
		case mportasset.Chmod:
			mode = e.Data
		case mportasset.Chown:
			owner = e.Data
		case mportasset.Chgrp:
			group = e.Data

		case mportasset.Dir, mportasset.DirRm, mportasset.DirRmTry, mportasset.DirOwnerMode:
			dir := in.target(cwd, e.Data)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return mporterr.Wrapf(mporterr.Fatal, err, "create directory %s", dir)
			}
			if err := in.applyOwnerMode(dir, e, mode, owner, group); err != nil {
				return err
			}
			rowData = dirRowData(cwd, e.Data)

		case mportasset.Exec:
			if err := in.runAssetExec(ctx, e.Data, cwd, in.target(cwd, e.Data)); err != nil {
				return err
			}

		case mportasset.File, mportasset.FileOwnerMode, mportasset.Shell,
			mportasset.Sample, mportasset.SampleOwnerMode, mportasset.Info:
			hdr, err := bundle.Next()
			if err != nil {
				return err
			}
			_ = hdr // pathname is rewritten below; plist order governs

			data := e.Data
			if e.Type == mportasset.Sample || e.Type == mportasset.SampleOwnerMode {
				// only the first field names the packaged file
				if f := strings.Fields(data); len(f) > 0 {
					data = f[0]
				}
			}

			file := in.target(cwd, data)
			n, err := bundle.ExtractCurrent(file)
			if err != nil {
				return err
			}
			flatsize += n

			if err := in.applyOwnerMode(file, e, mode, owner, group); err != nil {
				return err
			}

			if e.Type == mportasset.Shell {
				if err := in.shellRegister(strings.TrimPrefix(file, in.settings.Root)); err != nil {
					return mporterr.Wrapf(mporterr.Fatal, err, "register shell %s", file)
				}
			}

			if e.Type == mportasset.Sample || e.Type == mportasset.SampleOwnerMode {
				if err := in.createSampleFile(cwd, e.Data); err != nil {
					return err
				}
			}

			// paths are stored absolute with the root prefix stripped
			rowData = strings.TrimPrefix(file, in.settings.Root)

			fileCount++
			in.cb.Progress.Step(fileCount, fileTotal, rowData)
		}

		if err := mportdb.InsertAsset(ctx, tx, pkg.Name, e, rowData); err != nil {
			return mporterr.Wrap(mporterr.Fatal, err, "insert asset")
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE packages SET flatsize=? WHERE pkg=?", flatsize, pkg.Name); err != nil {
		return err
	}
	pkg.Flatsize = flatsize

	if err := tx.Commit(); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "commit install")
	}

	in.db.LogEvent(ctx, pkg.Name, pkg.Version, "Installed")
	return nil
}

func (in *Installer) createPackageRow(ctx context.Context, tx *sql.Tx, pkg *mportdb.PackageMeta) error {
	locked := 0
	if pkg.Locked {
		locked = 1
	}
	noShlib := 0
	if pkg.NoProvideShlib {
		noShlib = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO packages (pkg, version, origin, prefix, lang, options, comment, "desc",
			os_release, cpe, locked, deprecated, expiration_date, no_provide_shlib, flavor,
			automatic, install_date, type, flatsize, status)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,'dirty')`,
		pkg.Name, pkg.Version, pkg.Origin, pkg.Prefix, pkg.Lang, pkg.Options, pkg.Comment,
		pkg.Desc, pkg.OSRelease, pkg.CPE, locked, pkg.Deprecated, pkg.ExpirationDate, noShlib,
		pkg.Flavor, int(pkg.Automatic), pkg.InstallDate.Unix(), int(pkg.Type), pkg.Flatsize)
	if err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "insert package row %s", pkg.Name)
	}
	return nil
}

var stubCopies = map[string]string{
	"depends":    "INSERT INTO depends (pkg, depend_pkgname, depend_pkgversion, depend_port) SELECT pkg, depend_pkgname, depend_pkgversion, depend_port FROM stub.depends WHERE pkg=?",
	"categories": "INSERT INTO categories (pkg, category) SELECT pkg, category FROM stub.categories WHERE pkg=?",
	"conflicts":  "INSERT INTO conflicts (pkg, conflict_pkg, conflict_version) SELECT pkg, conflict_pkg, conflict_version FROM stub.conflicts WHERE pkg=?",
}

func copyStubTable(ctx context.Context, tx *sql.Tx, table, pkg string) error {
	if _, err := tx.ExecContext(ctx, stubCopies[table], pkg); err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "copy stub %s", table)
	}
	return nil
}

// target resolves an asset path to its absolute location under the root.
func (in *Installer) target(cwd, data string) string {
	if strings.HasPrefix(data, "/") {
		return filepath.Join(in.settings.Root, data)
	}
	return filepath.Join(in.settings.Root, cwd, data)
}

func dirRowData(cwd, data string) string {
	if strings.HasPrefix(data, "/") {
		return data
	}
	return filepath.Join(cwd, data)
}

// applyOwnerMode applies the entry's own owner/group/mode when present,
// else the inherited plist state. Ownership changes need root; they are
// skipped otherwise.
func (in *Installer) applyOwnerMode(path string, e *mportasset.Entry, mode, owner, group string) error {
	m := mode
	if e.Mode != "" {
		m = e.Mode
	}
	if m != "" {
		bits, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return mporterr.Newf(mporterr.Fatal, "bad mode %q for %s", m, path)
		}
		if err := os.Chmod(path, os.FileMode(bits)); err != nil {
			return mporterr.Wrapf(mporterr.Fatal, err, "chmod %s", path)
		}
	}

	o := owner
	if e.Owner != "" {
		o = e.Owner
	}
	g := group
	if e.Group != "" {
		g = e.Group
	}
	if (o == "" && g == "") || os.Geteuid() != 0 {
		return nil
	}

	uid, gid := -1, -1
	if o != "" {
		u, err := user.Lookup(o)
		if err != nil {
			return mporterr.Wrapf(mporterr.Fatal, err, "lookup user %s", o)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if g != "" {
		gr, err := user.LookupGroup(g)
		if err != nil {
			return mporterr.Wrapf(mporterr.Fatal, err, "lookup group %s", g)
		}
		gid, _ = strconv.Atoi(gr.Gid)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "chown %s", path)
	}
	return nil
}

// createSampleFile materializes the active copy of an @sample config
// template iff the target does not already exist.
func (in *Installer) createSampleFile(cwd, data string) error {
	src, dst := mportasset.SampleTarget(data)
	if dst == "" {
		return nil
	}
	srcPath := in.target(cwd, src)
	dstPath := in.target(cwd, dst)
	if fileExists(dstPath) {
		return nil
	}
	if err := copyFile(srcPath, dstPath); err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "create sample file from %s", srcPath)
	}
	return nil
}

// postInstall copies the remaining metafiles, performs the post-install
// side effects, shows the package message and marks the row clean.
func (in *Installer) postInstall(ctx context.Context, bundle *mportbundle.Reader, pkg *mportdb.PackageMeta) error {
	for _, name := range []string{
		mportbundle.MtreeFile, mportbundle.InstallFile,
		mportbundle.DeinstallFile, mportbundle.MessageFile,
	} {
		if bundle.HasMetafile(name) {
			to := filepath.Join(in.settings.InfraDir(pkg.Name, pkg.Version), name)
			if err := copyFile(bundle.MetafilePath(name), to); err != nil {
				return mporterr.Wrapf(mporterr.Fatal, err, "copy %s", name)
			}
		}
	}

	if err := in.runPostExec(ctx, pkg); err != nil {
		return err
	}

	in.displayMessage(pkg)

	if err := in.runLuaScript(ctx, pkg, mportbundle.LuaPostInstall); err != nil {
		return err
	}
	if err := in.runPkgScript(ctx, bundle.MetafilePath(mportbundle.InstallFile), pkg, "POST-INSTALL"); err != nil {
		return err
	}

	assets, err := in.db.AssetList(ctx, pkg.Name)
	if err == nil {
		in.startServices(ctx, assets)
	}

	if err := in.db.UpdateStatus(ctx, pkg.Name, "clean"); err != nil {
		return err
	}
	in.db.LogEvent(ctx, pkg.Name, pkg.Version, "postexec")
	return nil
}

// runPostExec walks the post-install slice of the plist: @postexec
// commands and the system-command side effects (ldconfig, schemas,
// desktop database, texinfo, kld, touch).
func (in *Installer) runPostExec(ctx context.Context, pkg *mportdb.PackageMeta) error {
	assets, err := in.db.StubAssets(ctx, pkg.Name, []mportasset.Type{
		mportasset.Cwd, mportasset.PostExec,
		mportasset.Ldconfig, mportasset.LdconfigLinux,
		mportasset.GlibSchemas, mportasset.DesktopFileUtils,
		mportasset.Kld, mportasset.Info, mportasset.Touch,
	}, false)
	if err != nil {
		return err
	}

	cwd := pkg.Prefix
	for _, e := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}

		file := in.target(cwd, e.Data)
		if e.Data == "" {
			file = filepath.Join(in.settings.Root, cwd)
		}

		switch e.Type {
		case mportasset.Cwd:
			cwd = cwdFor(e, pkg)
		case mportasset.PostExec:
			if err := in.runAssetExec(ctx, e.Data, cwd, file); err != nil {
				return err
			}
		case mportasset.Ldconfig:
			if err := in.xsystem(ctx, nil, "", serviceBin, "ldconfig", "restart"); err != nil {
				return err
			}
		case mportasset.LdconfigLinux:
			dir := e.Data
			if dir == "" {
				dir = "/compat/linux"
			}
			if err := in.xsystem(ctx, nil, "", filepath.Join(dir, "sbin/ldconfig")); err != nil {
				return err
			}
		case mportasset.GlibSchemas:
			schemas := filepath.Join(cwdFor(e, pkg), "share/glib-2.0/schemas")
			if fileExists("/usr/local/bin/glib-compile-schemas") {
				if err := in.xsystem(ctx, nil, "", "/usr/local/bin/glib-compile-schemas", schemas); err != nil {
					return err
				}
			}
		case mportasset.DesktopFileUtils:
			if fileExists("/usr/local/bin/update-desktop-database") {
				if err := in.xsystem(ctx, nil, "", "/usr/local/bin/update-desktop-database", "-q"); err != nil {
					return err
				}
			}
		case mportasset.Info:
			dir := filepath.Dir(file)
			if fileExists("/usr/local/bin/indexinfo") {
				if err := in.xsystem(ctx, nil, "", "/usr/local/bin/indexinfo", dir); err != nil {
					return err
				}
			}
		case mportasset.Kld:
			if err := in.xsystem(ctx, nil, "", "/usr/sbin/kldxref", file); err != nil {
				return err
			}
		case mportasset.Touch:
			if err := in.xsystem(ctx, nil, "", "/usr/bin/touch", file); err != nil {
				return err
			}
		}
	}

	return nil
}
