package mportinstall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// HashFile computes the hex SHA-256 of one file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Delete removes one installed package: reverse-plist file removal, hook
// execution, then the database rows inside a single transaction. Force
// waives the lock and up-depends preconditions.
func (in *Installer) Delete(ctx context.Context, pkg *mportdb.PackageMeta, force bool) error {
	if err := in.checkDeletable(ctx, pkg, force); err != nil {
		return err
	}

	assets, err := in.db.AssetListReverse(ctx, pkg.Name)
	if err != nil {
		return err
	}

	total := 0
	for _, e := range assets {
		if e.Type.Materialized() {
			total++
		}
	}

	in.cb.Progress.Init("Deleting " + pkg.Name + "-" + pkg.Version)
	defer in.cb.Progress.Finish()

	in.stopServices(ctx, assets)

	if err := in.db.UpdateStatus(ctx, pkg.Name, "dirty"); err != nil {
		return err
	}

	if err := in.runUnExecs(ctx, pkg, assets, mportasset.PreUnExec); err != nil {
		return err
	}
	if err := in.runLuaScript(ctx, pkg, mportbundle.LuaPreDeinstall); err != nil {
		return err
	}
	deinstall := filepath.Join(in.settings.InfraDir(pkg.Name, pkg.Version), mportbundle.DeinstallFile)
	if err := in.runPkgScript(ctx, deinstall, pkg, "DEINSTALL"); err != nil {
		return err
	}

	current := 0
	for _, e := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}

		file := in.deleteTarget(pkg, e.Data)

		switch e.Type {
		case mportasset.RmEmpty:
			current++
			in.cb.Progress.Step(current, total, file)
			if st, err := os.Lstat(file); err == nil && st.Mode().IsRegular() && st.Size() == 0 {
				if err := os.Remove(file); err != nil {
					in.cb.Emitf("Could not unlink %s: %v", file, err)
				}
			}

		case mportasset.File, mportasset.FileOwnerMode, mportasset.Shell,
			mportasset.Sample, mportasset.SampleOwnerMode, mportasset.Info:
			current++
			in.cb.Progress.Step(current, total, file)

			st, err := os.Lstat(file)
			if err != nil {
				in.cb.Emitf("Can't stat %s: %v", file, err)
				continue
			}

			if st.Mode().IsRegular() && e.Checksum != "" {
				hash, err := HashFile(file)
				if err != nil || hash != e.Checksum {
					in.cb.Emitf("Checksum mismatch: %s", file)
				}
			}

			if e.Type == mportasset.Sample || e.Type == mportasset.SampleOwnerMode {
				in.removeSampleCopy(file, e.Checksum)
			}

			if err := os.Remove(file); err != nil {
				in.cb.Emitf("Could not unlink %s: %v", file, err)
			}

			if e.Type == mportasset.Shell {
				if err := in.shellUnregister(strings.TrimPrefix(file, in.settings.Root)); err != nil {
					in.cb.Emitf("Could not unregister shell: %s", file)
				}
			}

		case mportasset.UnExec:
			if err := in.runAssetExec(ctx, e.Data, pkg.Prefix, file); err != nil {
				in.cb.Emitf("Could not execute %s: %v", e.Data, err)
			}

		case mportasset.Dir, mportasset.DirRm, mportasset.DirRmTry, mportasset.DirOwnerMode:
			if err := rmdir(file, e.Type == mportasset.DirRmTry); err != nil {
				in.cb.Emitf("Could not remove directory '%s': %v", file, err)
			}
		}
	}

	if err := in.runUnExecs(ctx, pkg, assets, mportasset.PostUnExec); err != nil {
		in.log.Warn("postunexec failed", zap.String("pkg", pkg.Name), zap.Error(err))
	}
	// post-deinstall hooks are best-effort cleanup; log and continue
	if err := in.runLuaScript(ctx, pkg, mportbundle.LuaPostDeinstall); err != nil {
		in.log.Warn("post-deinstall lua failed", zap.String("pkg", pkg.Name), zap.Error(err))
	}
	if err := in.runPkgScript(ctx, deinstall, pkg, "POST-DEINSTALL"); err != nil {
		in.log.Warn("post-deinstall script failed", zap.String("pkg", pkg.Name), zap.Error(err))
	}

	tx, err := in.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"assets", "depends", "packages", "categories", "conflicts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE pkg=?", pkg.Name); err != nil {
			return mporterr.Wrapf(mporterr.Fatal, err, "delete %s rows", table)
		}
	}
	if err := tx.Commit(); err != nil {
		return mporterr.Wrap(mporterr.Fatal, err, "commit delete")
	}

	if err := os.RemoveAll(in.settings.InfraDir(pkg.Name, pkg.Version)); err != nil {
		in.log.Debug("infra cleanup failed", zap.Error(err))
	}

	in.db.LogEvent(ctx, pkg.Name, pkg.Version, "Deleted")
	in.log.Info("deleted", zap.String("pkg", pkg.Name), zap.String("version", pkg.Version))
	return nil
}

// deleteTarget resolves a recorded asset path against the root and the
// package prefix.
func (in *Installer) deleteTarget(pkg *mportdb.PackageMeta, data string) string {
	if data == "" {
		return in.settings.Root
	}
	if strings.HasPrefix(data, "/") {
		return filepath.Join(in.settings.Root, data)
	}
	return filepath.Join(in.settings.Root, pkg.Prefix, data)
}

// removeSampleCopy deletes the active copy derived from a sample file,
// but only when the user never modified it.
func (in *Installer) removeSampleCopy(samplePath, checksum string) {
	lower := strings.ToLower(samplePath)
	i := strings.LastIndex(lower, ".sample")
	if i == -1 {
		return
	}
	active := samplePath[:i] + samplePath[i+len(".sample"):]
	if !fileExists(active) {
		return
	}

	hash, err := HashFile(active)
	if err != nil {
		in.cb.Emitf("Could not check file %s, review and remove manually.", active)
		return
	}
	if checksum != "" && hash != checksum {
		in.cb.Emitf("File does not match sample, remove file %s manually.", active)
		return
	}
	if err := os.Remove(active); err != nil {
		in.cb.Emitf("Could not unlink %s: %v", active, err)
	}
}

// runUnExecs executes the @preunexec or @postunexec commands in reverse
// plist order (the order the caller's asset slice already has).
func (in *Installer) runUnExecs(ctx context.Context, pkg *mportdb.PackageMeta, assets mportasset.List, typ mportasset.Type) error {
	for _, e := range assets {
		if e.Type != typ {
			continue
		}
		if err := in.runAssetExec(ctx, e.Data, pkg.Prefix, in.deleteTarget(pkg, e.Data)); err != nil {
			return err
		}
	}
	return nil
}

// rmdir removes a directory; the try variant tolerates non-empty ones.
func rmdir(path string, try bool) error {
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if try {
		// ENOTEMPTY and friends are expected for shared directories
		return nil
	}
	if entries, rerr := os.ReadDir(path); rerr == nil && len(entries) > 0 {
		return mporterr.Newf(mporterr.Warn, "directory not empty: %s", path)
	}
	return err
}
