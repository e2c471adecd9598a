package clip

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	thumbnailSuffix = "_thumb.jpg"
	partialSuffix   = ".part"
)

// Dir is the flat directory holding clip files and their thumbnails:
// <id><ext> and <id>_thumb.jpg. A clip being written is <id><ext>.part
// until its writer ends it.
type Dir struct {
	root string
}

func NewDir(root string) Dir { return Dir{root: root} }

func (d Dir) Root() string { return d.root }

func (d Dir) VideoPath(id, ext string) string {
	return filepath.Join(d.root, id+ext)
}

// PartialPath is where a clip lives while it is still being written.
func (d Dir) PartialPath(id, ext string) string {
	return d.VideoPath(id, ext) + partialSuffix
}

// publish renames a finished partial clip to its final name, making it
// visible to List.
func (d Dir) publish(id, ext string) error {
	if err := os.Rename(d.PartialPath(id, ext), d.VideoPath(id, ext)); err != nil {
		return fmt.Errorf("failed to publish clip %s: %w", id, err)
	}
	return nil
}

func (d Dir) ThumbnailPath(id string) string {
	return filepath.Join(d.root, id+thumbnailSuffix)
}

// SaveThumbnail writes a JPEG thumbnail for the clip.
func (d Dir) SaveThumbnail(id string, jpeg []byte) error {
	path := d.ThumbnailPath(id)
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return fmt.Errorf("failed to write thumbnail %s: %w", path, err)
	}
	return nil
}

// List returns the ids of all finished clip files with the given extension,
// oldest name first. Thumbnails and clips still being written are never
// listed.
func (d Dir) List(ext string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read clip directory %s: %w", d.root, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) || strings.HasSuffix(name, thumbnailSuffix) {
			continue
		}
		if id := strings.TrimSuffix(name, ext); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the clip file and its thumbnail. Missing files are not an
// error.
func (d Dir) Remove(id, ext string) error {
	var errs []error
	for _, p := range []string{d.VideoPath(id, ext), d.ThumbnailPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// FreeBytes reports the space available to unprivileged writers on the
// filesystem holding the clip directory.
func (d Dir) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", d.root, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
