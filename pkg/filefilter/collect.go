package filefilter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrMaxTotalSizeExceeded = errors.New("maximum total size exceeded")

// File is an attached file with its content.
type File struct {
	Path    string
	Content string
}

// Collect walks paths and returns the files accepted by ff, in path order.
// Directories are walked recursively. Collection stops with
// ErrMaxTotalSizeExceeded, returning what fit, once maxTotal bytes would be
// exceeded. A zero maxTotal means no limit.
func Collect(paths []string, ff *FileFilter, maxTotal int64) ([]File, error) {
	var (
		files []File
		total int64
	)

	add := func(path string) error {
		if !ff.FilterPath(path) {
			log.Debug().Str("component", "filefilter").Str("path", path).Msg("skipping file")
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if maxTotal > 0 && total+int64(len(b)) > maxTotal {
			return ErrMaxTotalSizeExceeded
		}
		total += int64(len(b))
		files = append(files, File{Path: path, Content: string(b)})
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return files, errors.Wrapf(err, "stat %s", root)
		}
		if !info.IsDir() {
			if err := add(root); err != nil {
				return files, err
			}
			continue
		}

		var found []string
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && ff.IsExcludedDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return files, errors.Wrapf(err, "walk %s", root)
		}
		sort.Strings(found)
		for _, path := range found {
			if err := add(path); err != nil {
				return files, err
			}
		}
	}
	return files, nil
}

// Format renders files as fenced blocks preceding the message.
func Format(files []File, message string) string {
	if len(files) == 0 {
		return message
	}
	var sb strings.Builder
	for _, f := range files {
		lang := strings.TrimPrefix(filepath.Ext(f.Path), ".")
		_, _ = fmt.Fprintf(&sb, "File: %s\n```%s\n%s", f.Path, lang, f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n\n")
	}
	sb.WriteString(message)
	return sb.String()
}
