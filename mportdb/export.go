package mportdb

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mport/mport/mporterr"
)

// ExportEntry is the round-trippable identity of one installed package.
type ExportEntry struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Automatic int    `json:"automatic"`
	Locked    int    `json:"locked"`
}

// Export writes the installed set as a JSON document. Exporting and
// re-importing into a fresh database yields an equal set of
// (name, version, automatic, locked) tuples.
func (d *DB) Export(ctx context.Context, w io.Writer) error {
	pkgs, err := d.List(ctx)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return mporterr.New(mporterr.Warn, "no packages installed")
	}

	entries := make([]ExportEntry, 0, len(pkgs))
	for _, p := range pkgs {
		e := ExportEntry{Name: p.Name, Version: p.Version}
		e.Automatic = int(p.Automatic)
		if p.Locked {
			e.Locked = 1
		}
		entries = append(entries, e)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// ReadExport parses a document produced by Export.
func ReadExport(r io.Reader) ([]ExportEntry, error) {
	var entries []ExportEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, mporterr.Wrap(mporterr.Fatal, err, "parse export document")
	}
	return entries, nil
}
