package mportinstall

import (
	"context"

	"go.uber.org/zap"

	"github.com/mport/mport/mportbundle"
	"github.com/mport/mport/mporterr"
)

// UpdateFile upgrades installed packages from the bundle at path: the old
// rows are deleted and the new version installed, preserving the
// automatic flag, the lock flag and the existing prefix.
func (in *Installer) UpdateFile(ctx context.Context, path string) error {
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

	var firstErr error
	for _, pkg := range pkgs {
		pkg.InstallDate = in.cb.Clock.Now()

		prior, err := in.db.Get(ctx, pkg.Name)
		if err != nil {
			return err
		}
		if prior != nil {
			// carry identity the operator set on the old row
			pkg.Automatic = prior.Automatic
			pkg.Locked = prior.Locked
			pkg.Prefix = prior.Prefix

			if prior.Locked && !in.Force {
				in.cb.Emitf("Unable to update %s-%s: package is locked.", pkg.Name, pkg.Version)
				continue
			}
		}

		flags := PrecheckConflicts | PrecheckDepends
		if !in.Force {
			flags |= PrecheckUpgradeable
		}
		if err := in.CheckPreconditions(ctx, pkg, flags); err != nil {
			in.cb.Emitf("Unable to update %s-%s: %v", pkg.Name, pkg.Version, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if prior != nil {
			if err := in.Delete(ctx, prior, true); err != nil {
				in.cb.Emitf("Unable to update %s-%s: %v", pkg.Name, pkg.Version, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}

		if err := in.installPkg(ctx, bundle, pkg); err != nil {
			return err
		}

		in.log.Info("updated",
			zap.String("pkg", pkg.Name),
			zap.String("version", pkg.Version))
	}

	if firstErr != nil {
		return mporterr.Wrap(mporterr.Warn, firstErr, "some packages were not updated")
	}
	return nil
}
