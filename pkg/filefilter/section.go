package filefilter

import (
	"os"

	"github.com/denormal/go-gitignore"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const SectionSlug = "context"

type Settings struct {
	Paths            []string `glazed:"context"`
	Include          []string `glazed:"context-include"`
	Exclude          []string `glazed:"context-exclude"`
	ExcludeDirs      []string `glazed:"context-exclude-dirs"`
	MaxFileSize      int      `glazed:"context-max-file-size"`
	MaxTotalSize     int      `glazed:"context-max-total-size"`
	DisableGitIgnore bool     `glazed:"context-disable-gitignore"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"File context attached to messages",
		schema.WithFields(
			fields.New("context", fields.TypeStringList,
				fields.WithHelp("Files or directories whose contents are prepended to the message")),
			fields.New("context-include", fields.TypeStringList,
				fields.WithHelp("Only attach files with these extensions (e.g. .go,.md)")),
			fields.New("context-exclude", fields.TypeStringList,
				fields.WithHelp("Never attach files with these extensions")),
			fields.New("context-exclude-dirs", fields.TypeStringList,
				fields.WithHelp("Directory names to skip")),
			fields.New("context-max-file-size", fields.TypeInteger,
				fields.WithHelp("Skip files larger than this many bytes"),
				fields.WithDefault(256*1024)),
			fields.New("context-max-total-size", fields.TypeInteger,
				fields.WithHelp("Stop attaching once this many bytes are collected (0 disables)"),
				fields.WithDefault(1024*1024)),
			fields.New("context-disable-gitignore", fields.TypeBool,
				fields.WithHelp("Attach files even when .gitignore excludes them"),
				fields.WithDefault(false)),
		),
	)
}

// NewFromSettings builds the filter. The .gitignore of the working directory
// applies unless disabled.
func NewFromSettings(s Settings) (*FileFilter, error) {
	ff := NewFileFilter(
		WithMaxFileSize(int64(s.MaxFileSize)),
		WithIncludeExts(s.Include),
		WithExcludeExts(s.Exclude),
		WithExcludeDirs(s.ExcludeDirs),
		WithDisableGitIgnore(s.DisableGitIgnore),
	)
	if !s.DisableGitIgnore {
		gi, err := initGitIgnoreFilter()
		if err != nil {
			return nil, err
		}
		WithGitIgnoreFilter(gi)(ff)
	}
	return ff, nil
}

func initGitIgnoreFilter() (gitignore.GitIgnore, error) {
	if _, err := os.Stat(".gitignore"); err != nil {
		return nil, nil
	}
	gi, err := gitignore.NewFromFile(".gitignore")
	if err != nil {
		return nil, errors.Wrap(err, "read .gitignore")
	}
	return gi, nil
}
