// camfeed - live camera feeds from a go2rtc-style gateway.
//
// The stream command negotiates the best transport the gateway offers
// (WebRTC first, then MSE, HLS, MP4 and MJPEG), writes the media to stdout
// and reconnects on loss. watch and token talk to Home Assistant.
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"hadash/camfeed/internal/config"
	"hadash/camfeed/internal/util"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "camfeed",
		Short: "Live camera feeds from a go2rtc gateway",
		Long: `camfeed negotiates a live stream with a go2rtc-style media gateway and
writes it to stdout. Logs go to stderr.

Examples:
  # Live playback over WebRTC (raw H264)
  camfeed stream | ffplay -f h264 -

  # Force the fallback transports and record fMP4
  CAMFEED_FORCE_FALLBACK=true CAMFEED_MODE=mse camfeed stream > front.mp4

Send SIGHUP to retry immediately after the retry budget is exhausted.`,
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.AddCommand(streamCommand())
	rootCmd.AddCommand(watchCommand())
	rootCmd.AddCommand(tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	util.Configure(cfg.LogLevel, cfg.LogFormat, nil)
	if cfg.LogFormat != "json" {
		pterm.SetDefaultOutput(os.Stderr)
		pterm.Info.Println(fmt.Sprintf("camfeed v%s", version))
	}
	return cfg, nil
}
