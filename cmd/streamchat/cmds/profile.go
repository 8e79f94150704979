package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/streamchat/pkg/filefilter"
	"github.com/go-go-golems/streamchat/pkg/profiles"
	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const DefaultProfileName = "default"

// BuildCobraCommandWithProfiles registers --profile and --profile-file on the
// command and layers the selected profile between flag defaults and the
// flags given on the command line.
func BuildCobraCommandWithProfiles(cmd cmds.Command, options ...cli.CobraOption) (*cobra.Command, error) {
	options_ := append([]cli.CobraOption{
		cli.WithCobraMiddlewaresFunc(GetCobraCommandMiddlewares),
		cli.WithProfileSettingsSection(),
	}, options...)
	return cli.BuildCobraCommand(cmd, options_...)
}

func GetCobraCommandMiddlewares(
	parsedCommandSections *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	commandSettings := &cli.CommandSettings{}
	if err := parsedCommandSections.DecodeSectionInto(cli.CommandSettingsSlug, commandSettings); err != nil {
		return nil, err
	}
	profileSettings := &cli.ProfileSettings{}
	if err := parsedCommandSections.DecodeSectionInto(cli.ProfileSettingsSlug, profileSettings); err != nil {
		return nil, err
	}
	return commandMiddlewares(cmd, args, *commandSettings, *profileSettings)
}

// commandMiddlewares builds the parse chain. Later sources override earlier
// ones: defaults, then the profile, then the config file, then the command
// line.
func commandMiddlewares(
	cmd *cobra.Command,
	args []string,
	commandSettings cli.CommandSettings,
	profileSettings cli.ProfileSettings,
) ([]sources.Middleware, error) {
	middlewares_ := []sources.Middleware{
		sources.FromCobra(cmd, fields.WithSource("cobra")),
		sources.FromArgs(args, fields.WithSource("arguments")),
	}

	if commandSettings.ConfigFile != "" {
		configFile, err := homedir.Expand(commandSettings.ConfigFile)
		if err != nil {
			return nil, errors.Wrapf(err, "expand %s", commandSettings.ConfigFile)
		}
		middlewares_ = append(middlewares_,
			sources.FromFile(configFile,
				sources.WithParseOptions(fields.WithSource("config"))))
	}

	defaultProfileFile, err := profiles.GetDefaultProfilesPath()
	if err != nil {
		return nil, err
	}
	profileFile := defaultProfileFile
	if profileSettings.ProfileFile != "" {
		profileFile, err = homedir.Expand(profileSettings.ProfileFile)
		if err != nil {
			return nil, errors.Wrapf(err, "expand %s", profileSettings.ProfileFile)
		}
	}
	profile := profileSettings.Profile
	if profile == "" {
		profile = DefaultProfileName
	}

	middlewares_ = append(middlewares_,
		sources.GatherFlagsFromProfiles(
			defaultProfileFile,
			profileFile,
			profile,
			DefaultProfileName,
			fields.WithSource("profiles"),
			fields.WithMetadata(map[string]interface{}{
				"profileFile": profileFile,
				"profile":     profile,
			}),
		),
		sources.FromDefaults(fields.WithSource(fields.SourceDefaults)),
	)

	return middlewares_, nil
}

// profileSections lists the sections a profile may set values for.
func profileSections() ([]schema.Section, error) {
	sessionSection, err := NewSessionSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := NewStoreSection("")
	if err != nil {
		return nil, err
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, err
	}
	contextSection, err := filefilter.NewSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{sessionSection, storeSection, redisSection, contextSection}, nil
}

// validateProfileSetting checks that section.key names a known flag and that
// value parses for it.
func validateProfileSetting(section, key, value string) error {
	sections, err := profileSections()
	if err != nil {
		return err
	}
	for _, s := range sections {
		if s.GetSlug() != section {
			continue
		}
		def, ok := s.GetDefinitions().Get(key)
		if !ok {
			return errors.Errorf("unknown profile setting %s.%s", section, key)
		}
		if _, err := def.ParseField([]string{value}); err != nil {
			return errors.Wrapf(err, "invalid value for %s.%s", section, key)
		}
		return nil
	}
	return errors.Errorf("unknown profile section %q", section)
}

func profilesPath(path string) (string, error) {
	if path == "" {
		return profiles.GetDefaultProfilesPath()
	}
	return homedir.Expand(path)
}

func openProfiles(path string) (*profiles.ProfilesEditor, error) {
	p, err := profilesPath(path)
	if err != nil {
		return nil, err
	}
	return profiles.NewProfilesEditor(p)
}
