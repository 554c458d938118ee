package timelapse

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"printlapse/pkg/types"
)

const dateFormat = "2006-01-02 15:04"

var framePattern = regexp.MustCompile(`^(.+)-(\d+)\.jpg$`)

// ValidName rejects names that could escape the timelapse directories
func ValidName(name string) error {
	if name == "" || name == "." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return nil
}

func isFinished(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mpg", ".mp4":
		return true
	}
	return false
}

// Finished lists rendered movies sorted by name
func (m *Manager) Finished() ([]types.TimelapseFile, error) {
	entries, err := readDir(m.dir)
	if err != nil {
		return nil, err
	}

	files := []types.TimelapseFile{}
	for _, entry := range entries {
		if entry.IsDir() || !isFinished(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, types.TimelapseFile{
			Name:      entry.Name(),
			Size:      humanize.Bytes(uint64(info.Size())),
			Bytes:     info.Size(),
			Date:      info.ModTime().Format(dateFormat),
			Timestamp: info.ModTime().Unix(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// Unrendered groups the captured frames by prefix
func (m *Manager) Unrendered() ([]types.UnrenderedTimelapse, error) {
	entries, err := readDir(m.tmpDir)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*types.UnrenderedTimelapse)
	newest := make(map[string]time.Time)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := framePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		prefix := match[1]
		group, ok := groups[prefix]
		if !ok {
			group = &types.UnrenderedTimelapse{Name: prefix}
			groups[prefix] = group
		}
		group.Count++
		group.Bytes += info.Size()
		if info.ModTime().After(newest[prefix]) {
			newest[prefix] = info.ModTime()
		}
	}

	result := make([]types.UnrenderedTimelapse, 0, len(groups))
	for prefix, group := range groups {
		group.Size = humanize.Bytes(uint64(group.Bytes))
		group.Date = newest[prefix].Format(dateFormat)
		group.Timestamp = newest[prefix].Unix()
		group.Processing = m.renderer.InFlight(prefix)
		result = append(result, *group)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// LastModified returns the newest modification time of the finished and the
// unrendered timelapses. A zero time means the directory is missing.
func (m *Manager) LastModified() (finished, unrendered time.Time) {
	finished = lastModified(m.dir, isFinished)
	unrendered = lastModified(m.tmpDir, framePattern.MatchString)
	return finished, unrendered
}

func lastModified(dir string, match func(name string) bool) time.Time {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		if fi, err := entry.Info(); err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest
}

// DeleteFinished removes a rendered movie. Missing files are ignored.
func (m *Manager) DeleteFinished(name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	if !isFinished(name) {
		return errors.Wrapf(ErrInvalidName, "%q is not a timelapse movie", name)
	}

	err := os.Remove(filepath.Join(m.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete timelapse %s", name)
	}

	m.logger.WithField("name", name).Info("Deleted timelapse")
	return nil
}

// DeleteUnrendered removes every frame captured under name
func (m *Manager) DeleteUnrendered(name string) error {
	if err := ValidName(name); err != nil {
		return err
	}

	frames, err := m.frames(name)
	if err != nil {
		return err
	}
	if err := removeAll(frames); err != nil {
		return errors.Wrapf(err, "failed to delete frames of %s", name)
	}

	m.logger.WithField("name", name).WithField("frames", len(frames)).Info("Deleted unrendered timelapse")
	return nil
}

// frames returns the paths of all frames captured under prefix
func (m *Manager) frames(prefix string) ([]string, error) {
	return framesFor(m.tmpDir, prefix)
}

func framesFor(dir, prefix string) ([]string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		match := framePattern.FindStringSubmatch(entry.Name())
		if match == nil || match[1] != prefix || entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

func removeAll(paths []string) error {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", dir)
	}
	return entries, nil
}

// MoviePath returns the on-disk path of a rendered movie
func (m *Manager) MoviePath(name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	if !isFinished(name) {
		return "", errors.Wrapf(ErrNotFound, "%s is not a timelapse movie", name)
	}

	path := filepath.Join(m.dir, name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && info.IsDir()) {
		return "", errors.Wrapf(ErrNotFound, "%s", name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", name)
	}
	return path, nil
}
