package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpcam/cli/internal/config"
	"github.com/BioHazard786/Warpcam/cli/internal/ui"
	"github.com/BioHazard786/Warpcam/cli/internal/version"
)

var (
	flagServer       string
	flagSTUN         string
	flagTURN         string
	flagTURNUser     string
	flagTURNPass     string
	flagRelay        bool
	flagMaxRetries   int
	flagRetryBackoff time.Duration
	flagHeartbeat    time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpcam",
	Short: "Stream a camera to a room of viewers over WebRTC",
	Long: `Warpcam streams audio and video from one source to up to ten viewers in a
named room. A relay server pairs everyone in the room and carries signaling;
media flows directly between the source and each viewer.`,
	Version: version.Version,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "", "relay websocket URL (env WARPCAM_SERVER)")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server URL (env STUN_SERVER)")
	pf.StringVar(&flagTURN, "turn", "", "TURN server host or URL (env TURN_SERVER)")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username (env TURN_USERNAME)")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password (env TURN_PASSWORD)")
	pf.BoolVar(&flagRelay, "relay", false, "only use TURN relay candidates (env FORCE_RELAY)")
	pf.IntVar(&flagMaxRetries, "max-retries", 0, "consecutive reconnects per viewer before giving up, 0 for no limit (env MAX_RETRIES, default 5)")
	pf.DurationVar(&flagRetryBackoff, "retry-backoff", 0, "wait before rebuilding a failed viewer connection (env RETRY_BACKOFF)")
	pf.DurationVar(&flagHeartbeat, "heartbeat", 0, "room occupancy heartbeat interval (env HEARTBEAT_INTERVAL)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves the persistent flags against the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.Options{
		ServerURL:         flagServer,
		STUNServer:        flagSTUN,
		TURNServer:        flagTURN,
		TURNUser:          flagTURNUser,
		TURNPass:          flagTURNPass,
		ForceRelay:        flagRelay,
		RetryBackoff:      flagRetryBackoff,
		MaxRetries:        flagMaxRetries,
		MaxRetriesSet:     cmd.Flags().Changed("max-retries"),
		HeartbeatInterval: flagHeartbeat,
	})
}
