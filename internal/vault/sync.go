package vault

import (
	"log/slog"

	"github.com/starford/othala/internal/checksum"
	"github.com/starford/othala/internal/graph"
)

// Importer brings the graph up to date with the vault directory:
// new/changed files are written as nodes, files that vanish since the
// last import are removed.
type Importer struct {
	g      *graph.Graph
	fs     *FS
	logger *slog.Logger

	// imported maps node name -> checksum of the last imported content.
	imported map[string]string
}

// NewImporter creates an importer feeding g from fs.
func NewImporter(g *graph.Graph, fs *FS, logger *slog.Logger) *Importer {
	return &Importer{
		g:        g,
		fs:       fs,
		logger:   logger,
		imported: make(map[string]string),
	}
}

// ImportAll walks the vault, writes every new or changed file into the
// graph, and removes nodes whose backing file disappeared since the last
// import.
func (im *Importer) ImportAll() error {
	metas, err := im.fs.List()
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		name := NodeName(m.Path)
		onDisk[name] = struct{}{}

		if im.imported[name] == m.Checksum {
			continue
		}
		data, err := im.fs.Read(m.Path)
		if err != nil {
			im.logger.Warn("vault: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if err := im.g.Write(name, string(data)); err != nil {
			im.logger.Warn("vault: import failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		im.imported[name] = m.Checksum
		im.logger.Debug("vault: imported", slog.String("node", name))
	}

	for name := range im.imported {
		if _, ok := onDisk[name]; ok {
			continue
		}
		if err := im.g.Rm(name); err != nil {
			im.logger.Warn("vault: remove failed", slog.String("node", name), slog.String("error", err.Error()))
		} else {
			im.logger.Debug("vault: removed stale", slog.String("node", name))
		}
		delete(im.imported, name)
	}
	return nil
}

// ImportFile writes one vault file into the graph.
func (im *Importer) ImportFile(path string) error {
	data, err := im.fs.Read(path)
	if err != nil {
		return err
	}
	name := NodeName(path)
	if err := im.g.Write(name, string(data)); err != nil {
		return err
	}
	im.imported[name] = checksum.Sum(data)
	return nil
}

// RemoveFile removes the node backing one vault file.
func (im *Importer) RemoveFile(path string) error {
	name := NodeName(path)
	delete(im.imported, name)
	return im.g.Rm(name)
}
