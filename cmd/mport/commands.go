package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mport/mport/mportaudit"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportversion"
)

func (a *app) cmdInstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	auto := fs.Bool("A", false, "mark as automatically installed")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "install")
	}
	if fs.NArg() == 0 {
		return mporterr.New(mporterr.Warn, "no packages given")
	}

	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()
	if err := a.openIndex(ctx); err != nil {
		return err
	}

	automatic := mportdb.Explicit
	if *auto {
		automatic = mportdb.AutoInstalled
	}

	p := a.planner()
	for _, name := range fs.Args() {
		path, err := p.Download(ctx, name)
		if err != nil {
			return err
		}
		if err := a.installer().InstallFile(ctx, path, automatic, ""); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	auto := fs.Bool("A", false, "mark as automatically installed")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "add")
	}
	if fs.NArg() == 0 {
		return mporterr.New(mporterr.Warn, "no files given")
	}

	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	automatic := mportdb.Explicit
	if *auto {
		automatic = mportdb.AutoInstalled
	}
	for _, path := range fs.Args() {
		if err := a.installer().InstallFile(ctx, path, automatic, ""); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return mporterr.New(mporterr.Warn, "no packages given")
	}
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	for _, name := range args {
		pkg, err := a.db.Get(ctx, name)
		if err != nil {
			return err
		}
		if pkg == nil {
			return mporterr.Newf(mporterr.Warn, "no such package: %s", name)
		}
		if err := a.installer().Delete(ctx, pkg, a.force); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdDeleteAll(ctx context.Context) error {
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	pkgs, err := a.db.List(ctx)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return mporterr.New(mporterr.Warn, "no packages installed")
	}
	if !a.cb.Confirm.Ask(fmt.Sprintf("Delete all %d installed packages?", len(pkgs)), "yes", "no", false) {
		return mporterr.New(mporterr.Warn, "cancelled")
	}
	for _, pkg := range pkgs {
		if err := a.installer().Delete(ctx, pkg, true); err != nil {
			a.cb.Emitf("Could not delete %s: %v", pkg.Name, err)
		}
	}
	return nil
}

func (a *app) cmdUpdate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return mporterr.New(mporterr.Warn, "no packages given")
	}
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()
	if err := a.openIndex(ctx); err != nil {
		return err
	}

	p := a.planner()
	for _, name := range args {
		if err := p.UpdatePackage(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdUpgrade(ctx context.Context) error {
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()
	if err := a.openIndex(ctx); err != nil {
		return err
	}

	_, err := a.planner().Upgrade(ctx)
	return err
}

func (a *app) cmdAutoremove(ctx context.Context) error {
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	removed, err := a.planner().Autoremove(ctx)
	if err != nil {
		return err
	}
	a.cb.Emitf("Packages removed: %d", removed)
	return nil
}

// cmdClean prunes dirty rows whose install never completed and empties the
// download cache. Every cached download is removed; whether the index
// still references it is not checked.
func (a *app) cmdClean(ctx context.Context) error {
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	dirty, err := a.db.SearchMaster(ctx, "status='dirty'")
	if err != nil {
		return err
	}
	for _, pkg := range dirty {
		a.cb.Emitf("Removing incomplete install of %s-%s", pkg.Name, pkg.Version)
		if err := a.installer().Delete(ctx, pkg, true); err != nil {
			a.cb.Emitf("Could not clean %s: %v", pkg.Name, err)
		}
	}

	entries, err := os.ReadDir(a.settings.DownloadsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		_ = os.Remove(a.settings.DownloadsDir() + "/" + e.Name())
	}
	return nil
}

func (a *app) cmdVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	recompute := fs.Bool("r", false, "rewrite stored checksums to on-disk values")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "verify")
	}

	if err := a.openDB(*recompute); err != nil {
		return err
	}
	if *recompute {
		defer a.db.Unlock()
	}

	v := mportaudit.NewVerifier(a.db, a.settings, a.cb, a.log)
	if *recompute {
		if fs.NArg() == 0 {
			return mporterr.New(mporterr.Warn, "recompute needs a package name")
		}
		for _, name := range fs.Args() {
			if err := v.RecomputeChecksums(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}

	mismatches, err := v.Verify(ctx, fs.Args()...)
	if err != nil {
		return err
	}
	if len(mismatches) > 0 {
		return mporterr.Newf(mporterr.ChecksumMismatch, "%d files failed verification", len(mismatches))
	}
	a.cb.Msg.Emit("All checksums verified.")
	return nil
}

func (a *app) cmdSearch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return mporterr.New(mporterr.Warn, "no search terms given")
	}
	if err := a.openIndex(ctx); err != nil {
		return err
	}
	for _, term := range args {
		entries, err := a.idx.SearchTerm(ctx, term)
		if err != nil {
			return err
		}
		for _, e := range entries {
			a.cb.Emitf("%s-%s\t%s", e.Pkgname, e.Version, e.Comment)
		}
	}
	return nil
}

func (a *app) cmdInfo(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return mporterr.New(mporterr.Warn, "info takes one package name")
	}
	if err := a.openDB(false); err != nil {
		return err
	}

	pkg, err := a.db.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if pkg == nil {
		return mporterr.Newf(mporterr.Warn, "no such package: %s", args[0])
	}

	a.cb.Emitf("%s-%s", pkg.Name, pkg.Version)
	a.cb.Emitf("Origin: %s", pkg.Origin)
	a.cb.Emitf("Prefix: %s", pkg.Prefix)
	a.cb.Emitf("Comment: %s", pkg.Comment)
	if pkg.Deprecated != "" {
		a.cb.Emitf("Deprecated: %s", pkg.Deprecated)
	}
	a.cb.Emitf("Flat size: %d", pkg.Flatsize)
	a.cb.Emitf("Installed: %s", pkg.InstallDate.Format("2006-01-02 15:04:05"))
	if pkg.Locked {
		a.cb.Msg.Emit("Locked: yes")
	}
	if pkg.Automatic == mportdb.AutoInstalled {
		a.cb.Msg.Emit("Automatic: yes")
	}
	if pkg.Desc != "" {
		a.cb.Msg.Emit(pkg.Desc)
	}
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string) error {
	if err := a.openDB(false); err != nil {
		return err
	}

	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}

	switch mode {
	case "updates":
		if err := a.openIndex(ctx); err != nil {
			return err
		}
		updates, err := a.planner().ListUpdates(ctx)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return mporterr.New(mporterr.Warn, "everything is up to date")
		}
		for _, u := range updates {
			a.cb.Emitf("%s: %s -> %s", u.Pkg.Name, u.Pkg.Version, u.Available)
		}
		return nil

	case "prime":
		pkgs, err := a.db.SearchMaster(ctx, "automatic=?", int(mportdb.Explicit))
		if err != nil {
			return err
		}
		for _, pkg := range pkgs {
			a.cb.Msg.Emit(pkg.Name)
		}
		return nil

	default:
		pkgs, err := a.db.List(ctx)
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			return mporterr.New(mporterr.Warn, "no packages installed")
		}
		for _, pkg := range pkgs {
			a.cb.Emitf("%s-%s", pkg.Name, pkg.Version)
		}
		return nil
	}
}

func (a *app) cmdWhich(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("which", flag.ContinueOnError)
	quiet := fs.Bool("q", false, "print only the package name")
	origin := fs.Bool("o", false, "print the origin instead")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "which")
	}
	if fs.NArg() != 1 {
		return mporterr.New(mporterr.Warn, "which takes one path")
	}
	if err := a.openDB(false); err != nil {
		return err
	}

	path := fs.Arg(0)
	pkg, err := a.db.WhichPackage(ctx, path)
	if err != nil {
		return err
	}
	if pkg == nil {
		return mporterr.Newf(mporterr.Warn, "%s is not owned by any package", path)
	}

	switch {
	case *origin:
		a.cb.Msg.Emit(pkg.Origin)
	case *quiet:
		a.cb.Msg.Emit(pkg.Name)
	default:
		a.cb.Emitf("%s was installed by package %s-%s", path, pkg.Name, pkg.Version)
	}
	return nil
}

func (a *app) cmdStats(ctx context.Context) error {
	if err := a.openDB(false); err != nil {
		return err
	}
	s, err := a.db.Stats(ctx)
	if err != nil {
		return err
	}

	a.cb.Emitf("Packages installed: %d", s.PkgInstalled)
	a.cb.Emitf("Disk space used: %d bytes", s.PkgInstalledSize)

	if err := a.openIndex(ctx); err == nil {
		if entries, err := a.idx.List(ctx); err == nil {
			a.cb.Emitf("Packages available: %d", len(entries))
		}
	}
	return nil
}

func (a *app) cmdIndex(ctx context.Context) error {
	a.skipIndex = false
	return a.openIndex(ctx)
}

func (a *app) cmdMirror(ctx context.Context, args []string) error {
	if err := a.openIndex(ctx); err != nil {
		return err
	}
	mode := "list"
	if len(args) > 0 {
		mode = args[0]
	}

	mirrors, err := a.idx.MirrorList(ctx)
	if err != nil {
		return err
	}

	switch mode {
	case "list":
		for _, m := range mirrors {
			a.cb.Emitf("%s\t%s", m.Country, m.URL)
		}
		return nil
	case "select":
		if len(args) < 2 {
			return mporterr.New(mporterr.Warn, "mirror select needs a country code")
		}
		region := args[1]
		for _, m := range mirrors {
			if strings.EqualFold(m.Country, region) {
				if err := a.openDB(true); err != nil {
					return err
				}
				defer a.db.Unlock()
				return a.db.SettingSet(ctx, "mirror_region", strings.ToLower(region))
			}
		}
		return mporterr.Newf(mporterr.Warn, "no mirror in region %s", region)
	default:
		return mporterr.Newf(mporterr.Warn, "unknown mirror command: %s", mode)
	}
}

func (a *app) cmdDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	deps := fs.Bool("d", false, "also download dependencies")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "download")
	}
	if fs.NArg() == 0 {
		return mporterr.New(mporterr.Warn, "no packages given")
	}

	if err := a.openDB(false); err != nil {
		return err
	}
	if err := a.openIndex(ctx); err != nil {
		return err
	}

	p := a.planner()
	var queue []string
	queue = append(queue, fs.Args()...)
	seen := map[string]bool{}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		path, err := p.Download(ctx, name)
		if err != nil {
			return err
		}
		a.cb.Emitf("Downloaded %s", path)

		if *deps {
			entries, err := a.idx.LookupByName(ctx, name)
			if err != nil || len(entries) == 0 {
				continue
			}
			newest := entries[len(entries)-1]
			dl, err := a.idx.DependsList(ctx, newest.Pkgname, newest.Version)
			if err != nil {
				return err
			}
			for _, d := range dl {
				queue = append(queue, d.DPkgname)
			}
		}
	}
	return nil
}

func (a *app) cmdConfig(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return mporterr.New(mporterr.Warn, "config needs list, get or set")
	}
	switch args[0] {
	case "list":
		if err := a.openDB(false); err != nil {
			return err
		}
		list, err := a.db.SettingList(ctx)
		if err != nil {
			return err
		}
		for _, line := range list {
			a.cb.Msg.Emit(line)
		}
		return nil
	case "get":
		if len(args) != 2 {
			return mporterr.New(mporterr.Warn, "config get needs a name")
		}
		if err := a.openDB(false); err != nil {
			return err
		}
		val, err := a.db.SettingGet(ctx, args[1])
		if err != nil {
			return err
		}
		a.cb.Msg.Emit(val)
		return nil
	case "set":
		if len(args) != 3 {
			return mporterr.New(mporterr.Warn, "config set needs a name and a value")
		}
		if err := a.openDB(true); err != nil {
			return err
		}
		defer a.db.Unlock()
		return a.db.SettingSet(ctx, args[1], args[2])
	default:
		return mporterr.Newf(mporterr.Warn, "unknown config command: %s", args[0])
	}
}

func (a *app) cmdAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	depends := fs.Bool("r", false, "list reverse-dependency chains")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "audit")
	}
	if err := a.openDB(false); err != nil {
		return err
	}

	name := ""
	if fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	auditor := mportaudit.NewAuditor(a.db, a.settings, a.cb, a.log)
	findings, err := auditor.Audit(ctx, name, *depends)
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		a.cb.Msg.Emit("No known vulnerabilities.")
	}
	return nil
}

func (a *app) cmdLock(ctx context.Context, args []string, lock bool) error {
	if len(args) == 0 {
		return mporterr.New(mporterr.Warn, "no packages given")
	}
	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()

	for _, name := range args {
		if err := a.db.SetLocked(ctx, name, lock); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cmdLocks(ctx context.Context) error {
	if err := a.openDB(false); err != nil {
		return err
	}
	pkgs, err := a.db.ListLocked(ctx)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return mporterr.New(mporterr.Warn, "no locked packages")
	}
	for _, pkg := range pkgs {
		a.cb.Emitf("%s-%s", pkg.Name, pkg.Version)
	}
	return nil
}

func (a *app) cmdCPE(ctx context.Context, args []string) error {
	if err := a.openDB(false); err != nil {
		return err
	}
	pkgs, err := a.resolvePkgs(ctx, args)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		if pkg.CPE != "" {
			a.cb.Msg.Emit(pkg.CPE)
		}
	}
	return nil
}

func (a *app) cmdPurl(ctx context.Context, args []string) error {
	if err := a.openDB(false); err != nil {
		return err
	}
	pkgs, err := a.resolvePkgs(ctx, args)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		a.cb.Msg.Emit(mportdb.PurlURI(pkg, a.settings.Arch))
	}
	return nil
}

func (a *app) resolvePkgs(ctx context.Context, args []string) ([]*mportdb.PackageMeta, error) {
	if len(args) == 0 {
		return a.db.List(ctx)
	}
	pkg, err := a.db.Get(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, mporterr.Newf(mporterr.Warn, "no such package: %s", args[0])
	}
	return []*mportdb.PackageMeta{pkg}, nil
}

func (a *app) cmdImport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return mporterr.New(mporterr.Warn, "import takes one file")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := mportdb.ReadExport(f)
	if err != nil {
		return err
	}

	if err := a.openDB(true); err != nil {
		return err
	}
	defer a.db.Unlock()
	if err := a.openIndex(ctx); err != nil {
		return err
	}

	p := a.planner()
	for _, e := range entries {
		installed, err := a.db.Get(ctx, e.Name)
		if err != nil {
			return err
		}
		if installed == nil {
			path, err := p.Download(ctx, e.Name)
			if err != nil {
				a.cb.Emitf("Could not download %s: %v", e.Name, err)
				continue
			}
			if err := a.installer().InstallFile(ctx, path, mportdb.Automatic(e.Automatic), ""); err != nil {
				a.cb.Emitf("Could not install %s: %v", e.Name, err)
				continue
			}
		} else if err := a.db.SetAutomatic(ctx, e.Name, mportdb.Automatic(e.Automatic)); err != nil {
			return err
		}
		if err := a.db.SetLocked(ctx, e.Name, e.Locked != 0); err != nil {
			a.log.Debug("lock import skipped", zap.Error(err))
		}
	}
	return nil
}

func (a *app) cmdExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return mporterr.New(mporterr.Warn, "export takes one file")
	}
	if err := a.openDB(false); err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	return a.db.Export(ctx, f)
}

func (a *app) cmdVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	test := fs.Bool("t", false, "compare two versions")
	if err := fs.Parse(args); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "version")
	}

	if *test {
		if fs.NArg() != 2 {
			return mporterr.New(mporterr.Warn, "version -t takes two versions")
		}
		switch mportversion.Cmp(fs.Arg(0), fs.Arg(1)) {
		case -1:
			a.cb.Msg.Emit("<")
		case 0:
			a.cb.Msg.Emit("=")
		default:
			a.cb.Msg.Emit(">")
		}
		return nil
	}

	a.cb.Msg.Emit(version)
	return nil
}
