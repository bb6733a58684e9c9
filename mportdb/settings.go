package mportdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mport/mport/mporterr"
)

// SettingGet reads one persisted setting. Empty string when unset.
func (d *DB) SettingGet(ctx context.Context, name string) (string, error) {
	var val string
	err := d.conn.QueryRowContext(ctx, "SELECT val FROM settings WHERE name=?", name).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return val, err
}

// SettingSet stores one setting, replacing any prior value.
func (d *DB) SettingSet(ctx context.Context, name, val string) error {
	_, err := d.conn.ExecContext(ctx,
		"INSERT INTO settings (name, val) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET val=excluded.val",
		name, val)
	return err
}

// SettingList returns all settings as "name=value" lines.
func (d *DB) SettingList(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT name, val FROM settings ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name, val string
		if err := rows.Scan(&name, &val); err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%s=%s", name, val))
	}
	return out, rows.Err()
}

// Stats summarizes the installed set.
type Stats struct {
	PkgInstalled     int
	PkgInstalledSize int64
}

func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := d.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), IFNULL(SUM(flatsize),0) FROM packages").Scan(&s.PkgInstalled, &s.PkgInstalledSize)
	if err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "stats")
	}
	return &s, nil
}
