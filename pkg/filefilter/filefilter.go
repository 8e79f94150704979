// Package filefilter selects local files to attach as context to a chat
// message.
package filefilter

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/denormal/go-gitignore"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type FileFilter struct {
	MaxFileSize           int64               `yaml:"max-file-size,omitempty"`
	IncludeExts           []string            `yaml:"include-exts,omitempty"`
	ExcludeExts           []string            `yaml:"exclude-exts,omitempty"`
	ExcludeDirs           []string            `yaml:"exclude-dirs,omitempty"`
	ExcludeMatchFilenames []*regexp.Regexp    `yaml:"-"`
	GitIgnoreFilter       gitignore.GitIgnore `yaml:"-"`
	DisableGitIgnore      bool                `yaml:"disable-gitignore,omitempty"`
	DisableDefaultFilters bool                `yaml:"disable-default-filters,omitempty"`
	FilterBinaryFiles     bool                `yaml:"filter-binary-files,omitempty"`
}

type FileFilterOption func(*FileFilter)

func NewFileFilter(options ...FileFilterOption) *FileFilter {
	ff := &FileFilter{
		MaxFileSize:       256 * 1024,
		FilterBinaryFiles: true,
	}
	for _, option := range options {
		option(ff)
	}
	return ff
}

func WithMaxFileSize(size int64) FileFilterOption {
	return func(ff *FileFilter) {
		ff.MaxFileSize = size
	}
}

func WithIncludeExts(exts []string) FileFilterOption {
	return func(ff *FileFilter) {
		ff.IncludeExts = exts
	}
}

func WithExcludeExts(exts []string) FileFilterOption {
	return func(ff *FileFilter) {
		ff.ExcludeExts = exts
	}
}

func WithExcludeDirs(dirs []string) FileFilterOption {
	return func(ff *FileFilter) {
		ff.ExcludeDirs = dirs
	}
}

func WithExcludeMatchFilenames(patterns []string) FileFilterOption {
	return func(ff *FileFilter) {
		ff.ExcludeMatchFilenames = compileRegexps(patterns)
	}
}

func WithGitIgnoreFilter(filter gitignore.GitIgnore) FileFilterOption {
	return func(ff *FileFilter) {
		ff.GitIgnoreFilter = filter
	}
}

func WithDisableGitIgnore(disable bool) FileFilterOption {
	return func(ff *FileFilter) {
		ff.DisableGitIgnore = disable
	}
}

var (
	DefaultExcludedExts = []string{
		".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff",
		".mp3", ".wav", ".ogg", ".flac",
		".mp4", ".avi", ".mov", ".wmv",
		".zip", ".tar", ".gz", ".rar",
		".exe", ".dll", ".so", ".dylib",
		".pdf", ".doc", ".docx", ".xls", ".xlsx",
		".bin", ".dat", ".db", ".sqlite",
		".woff", ".ttf", ".eot", ".svg", ".webp", ".woff2",
		".lock",
	}

	DefaultExcludedDirs = []string{
		".git", ".svn", "node_modules", "vendor", ".idea", ".vscode", "build", "dist",
	}

	DefaultExcludedMatchFilenames = []*regexp.Regexp{
		regexp.MustCompile(`.*-lock\.json$`),
		regexp.MustCompile(`go\.sum$`),
		regexp.MustCompile(`yarn\.lock$`),
	}
)

// IsExcludedDir reports whether a directory is skipped by name.
func (ff *FileFilter) IsExcludedDir(dirPath string) bool {
	base := filepath.Base(dirPath)
	if !ff.DisableDefaultFilters {
		for _, d := range DefaultExcludedDirs {
			if base == d {
				return true
			}
		}
	}
	for _, d := range ff.ExcludeDirs {
		if base == d {
			return true
		}
	}
	return ff.ignored(dirPath)
}

func (ff *FileFilter) ignored(path string) bool {
	// go-gitignore panics on the repository root
	if ff.DisableGitIgnore || ff.GitIgnoreFilter == nil || path == "." {
		return false
	}
	match := ff.GitIgnoreFilter.Match(path)
	return match != nil && match.Ignore()
}

// FilterPath reports whether a regular file should be attached.
func (ff *FileFilter) FilterPath(filePath string) bool {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		return false
	}
	if ff.ignored(filePath) {
		return false
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	base := filepath.Base(filePath)

	if !ff.DisableDefaultFilters {
		for _, e := range DefaultExcludedExts {
			if ext == e {
				return false
			}
		}
		for _, re := range DefaultExcludedMatchFilenames {
			if re.MatchString(base) {
				return false
			}
		}
	}
	if ff.MaxFileSize > 0 && info.Size() > ff.MaxFileSize {
		return false
	}
	if len(ff.IncludeExts) > 0 && !containsExt(ff.IncludeExts, ext) {
		return false
	}
	if containsExt(ff.ExcludeExts, ext) {
		return false
	}
	for _, re := range ff.ExcludeMatchFilenames {
		if re.MatchString(base) {
			return false
		}
	}

	if ff.FilterBinaryFiles {
		isBinary, err := isBinaryFile(filePath)
		if err == nil && isBinary {
			return false
		}
	}
	return true
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}

// isBinaryFile looks for a NUL byte in the first 512 bytes.
func isBinaryFile(filePath string) (bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return false, err
	}
	defer func(file *os.File) {
		_ = file.Close()
	}(file)

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buffer[:n], 0) != -1, nil
}

func compileRegexps(patterns []string) []*regexp.Regexp {
	var regexps []*regexp.Regexp
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("ignoring invalid pattern")
			continue
		}
		regexps = append(regexps, re)
	}
	return regexps
}

// ToYAML serializes the filter configuration.
func (ff *FileFilter) ToYAML() ([]byte, error) {
	return yaml.Marshal(ff)
}

// FromYAML reads a filter configuration on top of the defaults.
func FromYAML(data []byte) (*FileFilter, error) {
	ff := NewFileFilter()
	if err := yaml.Unmarshal(data, ff); err != nil {
		return nil, err
	}
	return ff, nil
}
