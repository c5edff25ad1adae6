package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Dir stores each location as a file under a root directory. Uploads
// are written to a temporary file and renamed into place, so a reader
// never sees a partial payload.
type Dir struct {
	fs afero.Fs
}

// NewDir returns a Dir rooted at root on the local filesystem.
func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob dir root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir %s: %w", root, err)
	}
	return NewDirFs(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewDirFs returns a Dir on top of an arbitrary filesystem.
func NewDirFs(fs afero.Fs) *Dir {
	return &Dir{fs: fs}
}

func (d *Dir) Upload(ctx context.Context, location string, payload []byte) error {
	if len(payload) == 0 {
		return d.Delete(ctx, location)
	}
	name, err := cleanLocation(location)
	if err != nil {
		return err
	}

	dir := path.Dir(name)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", location, err)
	}

	tmp, err := afero.TempFile(d.fs, dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", location, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		d.fs.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", location, err)
	}
	if err := tmp.Close(); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", location, err)
	}
	if err := d.fs.Rename(tmpName, name); err != nil {
		d.fs.Remove(tmpName)
		return fmt.Errorf("renaming %s into place: %w", location, err)
	}
	return nil
}

func (d *Dir) Download(_ context.Context, location string) ([]byte, error) {
	name, err := cleanLocation(location)
	if err != nil {
		return nil, err
	}
	payload, err := afero.ReadFile(d.fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	return payload, nil
}

func (d *Dir) Delete(_ context.Context, location string) error {
	name, err := cleanLocation(location)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", location, err)
	}
	return nil
}

// cleanLocation turns a location into a relative slash path that cannot
// climb out of the root.
func cleanLocation(location string) (string, error) {
	name := path.Clean("/" + strings.TrimSpace(location))
	if name == "/" {
		return "", fmt.Errorf("invalid blob location %q", location)
	}
	return strings.TrimPrefix(name, "/"), nil
}
