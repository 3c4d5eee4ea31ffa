package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/guido-cesarano/pipelined/pkg/tasks"
)

// DirArchive copies files into a local directory tree. It backs development
// setups, the benchmark and tests.
type DirArchive struct {
	id   string
	root string
}

func NewDirArchive(id, root string) *DirArchive {
	return &DirArchive{id: id, root: root}
}

func (d *DirArchive) ID() string { return d.id }

// Root is the directory files are copied into.
func (d *DirArchive) Root() string { return d.root }

func (d *DirArchive) Add(ctx context.Context, item tasks.Item) (bool, error) {
	if _, err := checkLocal(item); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dst := filepath.Join(d.root, filepath.FromSlash(ObjectName("", item)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errors.Join(ErrIO, err)
	}

	src, err := os.Open(item.FilePath)
	if err != nil {
		return false, errors.Join(ErrFileNotFound, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return false, errors.Join(ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return false, errors.Join(ErrPartialFile, err)
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Join(ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return false, fmt.Errorf("%w: rename into %s: %v", ErrIO, dst, err)
	}
	return true, nil
}
