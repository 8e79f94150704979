package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/go-go-golems/streamchat/cmd/streamchat/cmds"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "streamchat",
	Short: "Chat with a streaming (text/event-stream) chat backend",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect stored chat transcripts",
}

func main() {
	if err := clay.InitGlazed("streamchat", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	chatCmd, err := cmds.NewChatCommand()
	cobra.CheckErr(err)
	command, err := cmds.BuildCobraCommandWithProfiles(chatCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	sendCmd, err := cmds.NewSendCommand()
	cobra.CheckErr(err)
	command, err = cmds.BuildCobraCommandWithProfiles(sendCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	listCmd, err := cmds.NewTranscriptListCommand()
	cobra.CheckErr(err)
	command, err = cmds.BuildCobraCommandWithProfiles(listCmd)
	cobra.CheckErr(err)
	transcriptCmd.AddCommand(command)

	showCmd, err := cmds.NewTranscriptShowCommand()
	cobra.CheckErr(err)
	command, err = cmds.BuildCobraCommandWithProfiles(showCmd)
	cobra.CheckErr(err)
	transcriptCmd.AddCommand(command)

	browseCmd, err := cmds.NewTranscriptBrowseCommand()
	cobra.CheckErr(err)
	command, err = cmds.BuildCobraCommandWithProfiles(browseCmd)
	cobra.CheckErr(err)
	transcriptCmd.AddCommand(command)

	rootCmd.AddCommand(transcriptCmd)

	profilesCmd, err := cmds.NewProfilesCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(profilesCmd)

	cobra.CheckErr(rootCmd.Execute())
}
