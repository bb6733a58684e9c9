package mportdb

import (
	"context"
	"database/sql"

	"github.com/mport/mport/mportasset"
	"github.com/mport/mport/mporterr"
)

func scanAssets(rows *sql.Rows) (mportasset.List, error) {
	var list mportasset.List
	for rows.Next() {
		var (
			e                          mportasset.Entry
			typ                        int
			data, sum, owner, grp, mod sql.NullString
		)
		if err := rows.Scan(&typ, &data, &sum, &owner, &grp, &mod); err != nil {
			return nil, err
		}
		e.Type = mportasset.Type(typ)
		e.Data = data.String
		e.Checksum = sum.String
		e.Owner = owner.String
		e.Group = grp.String
		e.Mode = mod.String
		list = append(list, &e)
	}
	return list, rows.Err()
}

// AssetList returns pkg's recorded assets in insertion order.
func (d *DB) AssetList(ctx context.Context, pkg string) (mportasset.List, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT type, data, checksum, owner, grp, mode FROM assets WHERE pkg=? ORDER BY rowid", pkg)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "asset query")
	}
	defer rows.Close()
	return scanAssets(rows)
}

// AssetListReverse returns pkg's assets in reverse insertion order, the
// order the deletion engine walks them.
func (d *DB) AssetListReverse(ctx context.Context, pkg string) (mportasset.List, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT type, data, checksum, owner, grp, mode FROM assets WHERE pkg=? ORDER BY rowid DESC", pkg)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "asset query")
	}
	defer rows.Close()
	return scanAssets(rows)
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

// StubAssets reads pkg's plist from the attached stub into one in-memory
// list (the rows are not streamed to the caller), restricted to
// (or excluding) the given types. The phase walkers of the installer each
// see a different slice of the same ordered list.
func (d *DB) StubAssets(ctx context.Context, pkg string, types []mportasset.Type, exclude bool) (mportasset.List, error) {
	q := "SELECT type, data, checksum, owner, grp, mode FROM stub.assets WHERE pkg=?"
	args := []any{pkg}
	if len(types) > 0 {
		op := "IN"
		if exclude {
			op = "NOT IN"
		}
		q += " AND type " + op + " (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, int(t))
		}
	}
	q += " ORDER BY rowid"

	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "stub asset query")
	}
	defer rows.Close()
	return scanAssets(rows)
}

// StubMaterializedCount counts the payload-bearing entries for the
// progress meter.
func (d *DB) StubMaterializedCount(ctx context.Context, pkg string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stub.assets WHERE pkg=? AND type IN (?,?,?,?,?,?)",
		pkg,
		int(mportasset.File), int(mportasset.FileOwnerMode),
		int(mportasset.Sample), int(mportasset.SampleOwnerMode),
		int(mportasset.Shell), int(mportasset.Info)).Scan(&n)
	return n, err
}

// InsertAsset writes one asset row inside the installer's transaction.
func InsertAsset(ctx context.Context, tx *sql.Tx, pkg string, e *mportasset.Entry, data string) error {
	ns := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO assets (pkg, type, data, checksum, owner, grp, mode) VALUES (?,?,?,?,?,?,?)",
		pkg, int(e.Type), data, ns(e.Checksum), ns(e.Owner), ns(e.Group), ns(e.Mode))
	return err
}

// UpdateAssetChecksum rewrites the stored checksum for one asset path.
func (d *DB) UpdateAssetChecksum(ctx context.Context, pkg, data, checksum string) error {
	_, err := d.conn.ExecContext(ctx,
		"UPDATE assets SET checksum=? WHERE pkg=? AND data=?", checksum, pkg, data)
	return err
}
