package cmd

import (
	"os"
	"os/signal"

	"github.com/pairlink/pairlink/internal/ui"
	"github.com/pairlink/pairlink/internal/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "pairlink",
	Short:   "Peer-to-peer chat between two devices using WebRTC",
	Long:    `Pairlink pairs two devices into a private chat session over a WebRTC data channel. A short join code is all you share; messages travel directly between the peers, with servers only brokering the rendezvous and relaying connection metadata.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
