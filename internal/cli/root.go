package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Pair a controller with a screen/camera sharer over WebRTC",
	Long: `Tether pairs two devices through a short room code and establishes a
direct peer-to-peer connection between them: one side shares its screen
and camera, the other watches and sends remote input over a low-latency
data channel.`,
}

// Execute runs the root command. Called once from main.
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
