package docvalidate

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// DirSource lists a directory tree of source documents. Document IDs are
// paths relative to the root, so moving the root does not register as
// corpus drift.
type DirSource struct {
	root string
}

var _ Source = (*DirSource)(nil)

// NewDirSource returns a Source over the given directory.
func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// ListDocuments walks the tree and reads every regular file. Hidden files
// and directories (dot-prefixed) are skipped.
func (d *DirSource) ListDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := entry.Name()
		if len(name) > 1 && name[0] == '.' {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, Document{ID: rel, Path: path, Content: content})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "docvalidate: walk documents")
	}
	return docs, nil
}
