package mportinstall

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mportbundle"
	"github.com/mport/mport/mportdb"
	"github.com/mport/mport/mporterr"
)

const (
	mtreeBin   = "/usr/sbin/mtree"
	luaInterp  = "/usr/libexec/flua"
	serviceBin = "/usr/sbin/service"
	shellsFile = "/etc/shells"
)

// xsystem runs an external command through the SystemCommand collaborator
// and converts a non-zero exit into HookNonZero.
func (in *Installer) xsystem(ctx context.Context, env []string, dir string, argv ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := in.cb.Command.Run(argv, env, dir)
	if err != nil {
		return mporterr.Wrapf(mporterr.HookNonZero, err, "spawn %s", argv[0])
	}
	if status != 0 {
		return mporterr.Newf(mporterr.HookNonZero, "%s returned non-zero: %d", argv[0], status)
	}
	return nil
}

// runAssetExec executes one @exec-style command after token substitution,
// through the shell so plists can use pipelines.
func (in *Installer) runAssetExec(ctx context.Context, cmd, cwd, file string) error {
	cmd = mportasset.ExecFormat(cmd, cwd, file)
	in.log.Debug("asset exec", zap.String("cmd", cmd))
	return in.xsystem(ctx, nil, cwd, "/bin/sh", "-c", cmd)
}

func hookEnv(pkg *mportdb.PackageMeta) []string {
	return []string{
		"PKG_PREFIX=" + pkg.Prefix,
		"PKG_NAME=" + pkg.Name,
		"PKG_VERSION=" + pkg.Version,
	}
}

// runLuaScript runs one of the four lua hooks from the install-infra
// directory, if present. The interpreter is an external capability.
func (in *Installer) runLuaScript(ctx context.Context, pkg *mportdb.PackageMeta, name string) error {
	script := filepath.Join(in.settings.InfraDir(pkg.Name, pkg.Version), name)
	if !fileExists(script) {
		return nil
	}
	return in.xsystem(ctx, hookEnv(pkg), pkg.Prefix, luaInterp, script)
}

// runPkgScript runs +INSTALL or +DEINSTALL with the given mode argument
// (PRE-INSTALL, POST-INSTALL, DEINSTALL, POST-DEINSTALL).
func (in *Installer) runPkgScript(ctx context.Context, script string, pkg *mportdb.PackageMeta, mode string) error {
	if !fileExists(script) {
		return nil
	}
	if err := os.Chmod(script, 0o750); err != nil {
		return mporterr.Wrapf(mporterr.Fatal, err, "chmod %s", script)
	}
	return in.xsystem(ctx, hookEnv(pkg), "", "/bin/sh", script, pkg.Name, mode)
}

// runMtree applies the bundled directory skeleton against the prefix.
func (in *Installer) runMtree(ctx context.Context, bundle *mportbundle.Reader, pkg *mportdb.PackageMeta) error {
	file := bundle.MetafilePath(mportbundle.MtreeFile)
	if !fileExists(file) {
		return nil
	}
	return in.xsystem(ctx, nil, "",
		mtreeBin, "-U", "-f", file, "-d", "-e", "-p", filepath.Join(in.settings.Root, pkg.Prefix))
}

// startServices starts rc scripts the package installed. Best effort; a
// failed start is reported, not fatal.
func (in *Installer) startServices(ctx context.Context, assets mportasset.List) {
	for _, name := range rcScripts(assets) {
		if err := in.xsystem(ctx, nil, "", serviceBin, name, "start"); err != nil {
			in.cb.Emitf("Could not start service %s: %v", name, err)
		}
	}
}

// stopServices mirrors startServices ahead of deletion.
func (in *Installer) stopServices(ctx context.Context, assets mportasset.List) {
	for _, name := range rcScripts(assets) {
		if err := in.xsystem(ctx, nil, "", serviceBin, name, "stop"); err != nil {
			in.log.Debug("service stop failed", zap.String("service", name), zap.Error(err))
		}
	}
}

func rcScripts(assets mportasset.List) []string {
	var out []string
	for _, e := range assets {
		if !e.Type.Materialized() {
			continue
		}
		if strings.Contains(e.Data, "etc/rc.d/") {
			out = append(out, filepath.Base(e.Data))
		}
	}
	return out
}

// shellRegister records a shell in the shell database.
func (in *Installer) shellRegister(shell string) error {
	path := filepath.Join(in.settings.Root, shellsFile)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == shell {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", shell)
	return err
}

// shellUnregister drops a shell from the shell database.
func (in *Installer) shellUnregister(shell string) error {
	path := filepath.Join(in.settings.Root, shellsFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var kept []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.TrimSpace(line) != shell {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	return os.WriteFile(path, []byte(out), 0o644)
}

// displayMessage shows the package message through the message sink.
func (in *Installer) displayMessage(pkg *mportdb.PackageMeta) {
	path := filepath.Join(in.settings.InfraDir(pkg.Name, pkg.Version), mportbundle.MessageFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		in.cb.Msg.Emit(line)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, st.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}
