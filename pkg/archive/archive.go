// Package archive contains the remote stores that upload queues transfer
// files to, and the error taxonomy shared by all of them.
package archive

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/guido-cesarano/pipelined/pkg/tasks"
)

// Remote is a remote archive accepting files.
//
// Add returns (true, nil) when the file was stored. (false, nil) means the
// remote declined the file without an error and is treated as a transient
// failure.
type Remote interface {
	ID() string
	Add(ctx context.Context, item tasks.Item) (bool, error)
}

// Classified transfer errors. Remotes wrap backend errors with one of these so
// queue workers can tell permanent failures from transient ones.
var (
	ErrFileNotFound  = errors.New("file not found")
	ErrQuotaExceeded = errors.New("remote storage quota exceeded")
	ErrFileTooLarge  = errors.New("file too large for remote")
	ErrUnauthorized  = errors.New("remote credentials rejected")
	ErrPartialFile   = errors.New("partial file transfer")
	ErrIO            = errors.New("remote i/o error")
	ErrRejected      = errors.New("remote declined the file")
)

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrFileNotFound) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrFileTooLarge)
}

// Describe turns a transfer error into the message stored in the last upload
// status.
func Describe(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrFileNotFound):
		return "The file to upload could not be found."
	case errors.Is(err, ErrQuotaExceeded):
		return "Insufficient storage on the remote archive."
	case errors.Is(err, ErrFileTooLarge):
		return "The file is too large to be uploaded."
	case errors.Is(err, ErrUnauthorized):
		return "The remote archive rejected the stored credentials."
	case errors.Is(err, ErrPartialFile):
		return "The upload was interrupted before the whole file was sent."
	case errors.Is(err, ErrIO):
		return "Network error while talking to the remote archive."
	case errors.Is(err, ErrRejected):
		return "The remote archive declined the file."
	}
	return "Upload failed: " + err.Error()
}

// ObjectName is the remote name of an item: folder/base name of the file,
// below an optional prefix. The folder is resolved against the prefix root,
// so ".." segments never reach above it.
func ObjectName(prefix string, item tasks.Item) string {
	folder := path.Clean("/" + filepath.ToSlash(item.Folder))
	name := path.Join(prefix, folder, filepath.Base(item.FilePath))
	return strings.TrimPrefix(name, "/")
}

// checkLocal stats the file of an item, mapping a missing file to ErrFileNotFound.
func checkLocal(item tasks.Item) (os.FileInfo, error) {
	fi, err := os.Stat(item.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrFileNotFound, err)
		}
		return nil, errors.Join(ErrIO, err)
	}
	if fi.IsDir() {
		return nil, errors.Join(ErrFileNotFound, errors.New(item.FilePath+" is a directory"))
	}
	return fi, nil
}

// Files lists the regular files directly inside dir, sorted by name. A
// missing directory has no files.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
