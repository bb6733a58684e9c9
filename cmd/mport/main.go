// mport is the command-line front end over the package engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mport/mport/mportcb"
	"github.com/mport/mport/mportconfig"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
	"github.com/mport/mport/mportindex"
	"github.com/mport/mport/mportinstall"
	"github.com/mport/mport/mportplan"
)

var version = "2.6.0"

type app struct {
	settings *mportconfig.Settings
	log      *zap.Logger
	cb       *mportcb.Callbacks

	force     bool
	skipIndex bool
	quiet     bool

	db  *mportdb.DB
	idx *mportindex.Index
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("mport", flag.ContinueOnError)
	chroot := fs.String("c", "", "chroot directory")
	outputPath := fs.String("o", "", "download directory")
	brief := fs.Bool("b", false, "brief output")
	quiet := fs.Bool("q", false, "quiet output")
	verbose := fs.Bool("V", false, "verbose output")
	force := fs.Bool("f", false, "force")
	noIndex := fs.Bool("U", false, "skip index refresh")
	printVersion := fs.Bool("v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *printVersion {
		fmt.Println(version)
		return 0
	}
	if fs.NArg() == 0 {
		usage()
		return 2
	}

	settings, err := mportconfig.Load(mportconfig.DefaultConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *chroot != "" {
		settings.Root = *chroot
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	cb := mportcb.Defaults()
	cb.Fetcher = mportcb.NewFetcher(settings.FetchTimeout)
	if *quiet {
		cb.Msg = mportcb.DiscardMsg{}
		cb.Progress = mportcb.NopProgress{}
	} else if *brief {
		cb.Progress = mportcb.NopProgress{}
	}
	if settings.AssumeAlwaysYes {
		cb.Confirm = mportcb.StaticConfirm{Answer: true}
	}

	a := &app{
		settings:  settings,
		log:       logger,
		cb:        cb,
		force:     *force,
		skipIndex: *noIndex,
		quiet:     *quiet,
	}
	if *outputPath != "" {
		a.settings.DownloadDir = *outputPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	if a.db != nil {
		a.db.Close()
	}
	if a.idx != nil {
		a.idx.Close()
	}

	if err != nil {
		if mporterr.CodeOf(err) != mporterr.OK {
			fmt.Fprintln(os.Stderr, "mport:", err)
		}
		return mporterr.ExitCode(err)
	}
	return 0
}

// openDB opens the live database; mutating commands also take the
// advisory lock, which each of them releases with a deferred Unlock
// (closing the database in run releases it too).
func (a *app) openDB(lock bool) error {
	if a.db == nil {
		db, err := mportdb.Open(a.settings, a.log, a.cb.Clock)
		if err != nil {
			return err
		}
		a.db = db
	}
	if lock {
		return a.db.Lock()
	}
	return nil
}

// openIndex loads the cached index and fetches a fresh one unless -U was
// given and a cache loaded. With no cache the fetch is mandatory; a failed
// refresh over an existing cache falls back to the cached copy.
func (a *app) openIndex(ctx context.Context) error {
	if a.idx != nil {
		return nil
	}
	idx := mportindex.New(a.settings, a.cb.Fetcher, a.log)

	err := idx.Load()
	if err != nil || !a.skipIndex {
		if gerr := idx.Get(ctx); gerr != nil {
			if err != nil {
				return gerr // no cache and no fresh copy
			}
			a.log.Warn("index refresh failed, using cached copy", zap.Error(gerr))
		}
	}
	a.idx = idx
	return nil
}

func (a *app) installer() *mportinstall.Installer {
	inst := mportinstall.New(a.db, a.settings, a.cb, a.log)
	inst.Force = a.force
	return inst
}

func (a *app) planner() *mportplan.Planner {
	return mportplan.New(a.db, a.idx, a.installer(), a.settings, a.cb, a.log)
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "install":
		return a.cmdInstall(ctx, args)
	case "add":
		return a.cmdAdd(ctx, args)
	case "delete":
		return a.cmdDelete(ctx, args)
	case "deleteall":
		return a.cmdDeleteAll(ctx)
	case "update":
		return a.cmdUpdate(ctx, args)
	case "upgrade":
		return a.cmdUpgrade(ctx)
	case "autoremove":
		return a.cmdAutoremove(ctx)
	case "clean":
		return a.cmdClean(ctx)
	case "verify":
		return a.cmdVerify(ctx, args)
	case "search":
		return a.cmdSearch(ctx, args)
	case "info":
		return a.cmdInfo(ctx, args)
	case "list":
		return a.cmdList(ctx, args)
	case "which":
		return a.cmdWhich(ctx, args)
	case "stats":
		return a.cmdStats(ctx)
	case "index":
		return a.cmdIndex(ctx)
	case "mirror":
		return a.cmdMirror(ctx, args)
	case "download":
		return a.cmdDownload(ctx, args)
	case "config":
		return a.cmdConfig(ctx, args)
	case "audit":
		return a.cmdAudit(ctx, args)
	case "lock":
		return a.cmdLock(ctx, args, true)
	case "unlock":
		return a.cmdLock(ctx, args, false)
	case "locks":
		return a.cmdLocks(ctx)
	case "cpe":
		return a.cmdCPE(ctx, args)
	case "purl":
		return a.cmdPurl(ctx, args)
	case "import":
		return a.cmdImport(ctx, args)
	case "export":
		return a.cmdExport(ctx, args)
	case "version":
		return a.cmdVersion(args)
	default:
		usage()
		return mporterr.Newf(mporterr.Fatal, "unknown command: %s", cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mport [-c dir] [-o dir] [-b|-q|-V] [-f] [-U] [-v] <command> [args]

commands:
  install [-A] <pkg>...     install packages from the mirror
  add [-A] <file>...        install packages from local bundles
  delete <pkg>...           remove installed packages
  deleteall                 remove every installed package
  update <pkg>...           update named packages
  upgrade                   upgrade everything that is out of date
  autoremove                remove orphaned automatic packages
  clean                     prune dirty rows and stale downloads
  verify [-r] [pkg]...      verify recorded checksums
  search <term>...          search the index
  info <pkg>                show one package
  list [updates|prime]      list installed packages
  which [-qo] <path>        find the package owning a file
  stats                     database statistics
  index                     force an index refresh
  mirror list|select        show or choose mirrors
  download [-d] <pkg>...    download bundles without installing
  config list|get|set       persisted settings
  audit [-r] [pkg]          CVE audit
  lock | unlock | locks     version locks
  cpe [pkg] | purl [pkg]    identifiers
  import <file> | export <file>
  version -t <v1> <v2>      compare two versions`)
}
