package cmds

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/go-go-golems/streamchat/pkg/profiles"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type ProfilesCommand struct {
	*cobra.Command
	file string
}

func NewProfilesCommand() (*cobra.Command, error) {
	cmd := &ProfilesCommand{}

	cobraCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage named setting profiles",
	}
	cobraCmd.PersistentFlags().StringVar(&cmd.file, "profile-file", "", "Profiles file (default: user config dir/streamchat/profiles.yaml)")

	cobraCmd.AddCommand(cmd.newListCommand())
	cobraCmd.AddCommand(cmd.newGetCommand())
	cobraCmd.AddCommand(cmd.newSetCommand())
	cobraCmd.AddCommand(cmd.newDeleteCommand())
	cobraCmd.AddCommand(cmd.newEditCommand())
	cobraCmd.AddCommand(cmd.newInitCommand())
	cobraCmd.AddCommand(cmd.newDuplicateCommand())

	cmd.Command = cobraCmd
	return cobraCmd, nil
}

func (c *ProfilesCommand) getEditor() (*profiles.ProfilesEditor, error) {
	editor, err := openProfiles(c.file)
	if err != nil {
		return nil, errors.Wrap(err, "could not open profiles")
	}
	log.Debug().Str("profiles_path", editor.Path()).Msg("using profiles file")
	return editor, nil
}

func writeSections(w io.Writer, sections profiles.ProfileSections, indent string) {
	for pair := sections.Oldest(); pair != nil; pair = pair.Next() {
		_, _ = fmt.Fprintf(w, "%s%s:\n", indent, pair.Key)
		for kv := pair.Value.Oldest(); kv != nil; kv = kv.Next() {
			_, _ = fmt.Fprintf(w, "%s  %s: %s\n", indent, kv.Key, kv.Value)
		}
	}
}

func (c *ProfilesCommand) newListCommand() *cobra.Command {
	var concise bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := c.getEditor()
			if err != nil {
				return err
			}
			names, err := editor.ListProfiles()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range names {
				if concise {
					_, _ = fmt.Fprintln(w, name)
					continue
				}
				sections, err := editor.GetProfileSections(name)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(w, "%s:\n", name)
				writeSections(w, sections, "  ")
				_, _ = fmt.Fprintln(w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&concise, "concise", "c", false, "Only show profile names")
	return cmd
}

func (c *ProfilesCommand) newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <profile> [section] [key]",
		Short: "Get profile settings",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := c.getEditor()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if len(args) == 3 {
				value, err := editor.GetValue(args[0], args[1], args[2])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(w, value)
				return nil
			}

			sections, err := editor.GetProfileSections(args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				writeSections(w, sections, "")
				return nil
			}
			settings, ok := sections.Get(args[1])
			if !ok {
				return errors.Errorf("section %s not found in profile %s", args[1], args[0])
			}
			for kv := settings.Oldest(); kv != nil; kv = kv.Next() {
				_, _ = fmt.Fprintf(w, "%s: %s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func (c *ProfilesCommand) newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <profile> <section> <key> <value>",
		Short: "Set a profile setting",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateProfileSetting(args[1], args[2], args[3]); err != nil {
				return err
			}

			editor, err := c.getEditor()
			if err != nil {
				return err
			}
			if err := editor.SetValue(args[0], args[1], args[2], args[3]); err != nil {
				return err
			}
			return editor.Save()
		},
	}
}

func (c *ProfilesCommand) newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <profile> [section key]",
		Short: "Delete a profile or a single setting",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := c.getEditor()
			if err != nil {
				return err
			}
			switch len(args) {
			case 1:
				err = editor.DeleteProfile(args[0])
			case 3:
				err = editor.DeleteValue(args[0], args[1], args[2])
			default:
				return errors.New("must specify either profile or profile, section, and key")
			}
			if err != nil {
				return err
			}
			return editor.Save()
		},
	}
}

func (c *ProfilesCommand) newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit the profiles file in your default editor",
		RunE: func(cmd *cobra.Command, args []string) error {
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vim"
			}
			path, err := profilesPath(c.file)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := profiles.InitProfilesFile(path); err != nil {
					return err
				}
			}

			editCmd := exec.Command(editor, path)
			editCmd.Stdin = os.Stdin
			editCmd.Stdout = os.Stdout
			editCmd.Stderr = os.Stderr
			return editCmd.Run()
		},
	}
}

func (c *ProfilesCommand) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a profiles file with a commented example",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := profilesPath(c.file)
			if err != nil {
				return err
			}
			if err := profiles.InitProfilesFile(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created new profiles file at %s\n", path)
			return nil
		},
	}
}

func (c *ProfilesCommand) newDuplicateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicate <source-profile> <new-profile>",
		Short: "Duplicate an existing profile with a new name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := c.getEditor()
			if err != nil {
				return err
			}
			if err := editor.DuplicateProfile(args[0], args[1]); err != nil {
				return err
			}
			if err := editor.Save(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Duplicated profile %s to %s\n", args[0], args[1])
			return nil
		},
	}
}
