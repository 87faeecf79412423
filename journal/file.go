package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const anonymous = "anonymous"

// File appends entries to <dir>/<username>.txt.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir %s", dir)
	}
	return &File{dir: dir}, nil
}

// Path returns the journal file for username.
func (f *File) Path(username string) string {
	name := SanitizeName(username)
	if name == "" || name == "." || name == ".." {
		name = anonymous
	}
	return filepath.Join(f.dir, name+".txt")
}

func (f *File) Append(_ context.Context, e Entry) error {
	cleaned, err := json.Marshal(e.Cleaned)
	if err != nil {
		return errors.Wrap(err, "encode cleaned")
	}
	record := fmt.Sprintf("\ntimestamp: %s\nraw: %s\ncleaned: %s\n", e.Timestamp, e.Raw, cleaned)

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.Path(e.Username)
	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := out.WriteString(record); err != nil {
		out.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(out.Close(), "close %s", path)
}
