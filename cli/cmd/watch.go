package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpcam/cli/internal/config"
	"github.com/BioHazard786/Warpcam/cli/internal/presence"
	"github.com/BioHazard786/Warpcam/cli/internal/rtc"
	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
	"github.com/BioHazard786/Warpcam/cli/internal/ui"
	"github.com/BioHazard786/Warpcam/cli/internal/viewer"
)

var flagWatchName string

var watchCmd = &cobra.Command{
	Use:     "watch <room-id>",
	Aliases: []string{"w"},
	Short:   "Watch a room's stream as a viewer",
	Long: `Join a room as a viewer, receive the source's stream and print its alerts.
The viewer rejoins the room on its own when the source is present but the
connection has stayed down for several heartbeats.

Examples:
  warpcam watch AB12
  warpcam watch --name kitchen-tablet AB12`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runWatch(cmd.Context(), cfg, args[0])
	},
}

func init() {
	watchCmd.Flags().StringVarP(&flagWatchName, "name", "n", "", "display name (hostname when empty)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, cfg *config.Config, roomID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	name := flagWatchName
	if name == "" {
		name = defaultName(signaling.RoleViewer)
	}

	spin := ui.NewConnectionSpinner("Connecting to relay...")
	spin.Start()
	cc, err := NewConnectionContext(ctx, cfg)
	if err != nil {
		spin.Error("Could not reach the relay")
		return err
	}
	defer cc.Close()

	if _, err := cc.Register(ctx, name, signaling.RoleViewer); err != nil {
		spin.Error("Registration failed")
		return err
	}
	joined, err := cc.Join(ctx, roomID)
	if err != nil {
		spin.Error("Could not join room " + strings.ToUpper(roomID))
		return err
	}
	spin.Success(fmt.Sprintf("Joined room %s as viewer %d (%d/%d)", joined.RoomID, joined.ViewerNumber, joined.TotalViewers, joined.MaxViewers))
	defer cc.Leave()

	logger := cc.Logger.With("room_id", joined.RoomID)
	fmt.Fprintln(ui.Out, ui.RoomInfo{RoomID: joined.RoomID, Role: joined.Role, Server: cfg.ServerURL}.View())

	api, err := rtc.NewAPI(logger)
	if err != nil {
		return err
	}
	recv := viewer.New(viewer.Options{
		API:      api,
		Config:   rtc.Configuration(cfg),
		Signaler: viewerSignaler{client: cc.Client},
		Logger:   logger,
	})
	defer recv.Close()

	go presence.NewMonitor(cfg.HeartbeatInterval, cc.RequestHeartbeat, logger).Run(ctx)
	health := presence.NewHealth(cfg.UnhealthyBeats)

	var lastOccupancy string
	h := cc.Handler
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Disconnected:
			return errRelayLost

		case sig := <-h.Signals:
			handleViewerSignal(recv, sig, logger)

		case a := <-h.Alert:
			recv.HandleAlert(viewer.Alert{ID: a.ID, Type: a.Type, Severity: a.Severity, Message: a.Message, Confidence: a.Confidence})

		case a := <-recv.Alerts():
			fmt.Fprintln(ui.Out, ui.AlertLine(a.Severity, a.Type, a.Message, a.Confidence))

		case state := <-recv.States():
			fmt.Fprintf(ui.Out, "%s %s\n", ui.IconConnect, state.String())

		case reply := <-h.HeartbeatReply:
			snap := presence.FromReply(reply, time.Now())
			if key := occupancyKey(snap); key != lastOccupancy {
				lastOccupancy = key
				ui.RenderOccupancy(ui.Out, occupancy(snap.RoomID, snap.SourcePresent, snap.MaxViewers, snap.Viewers, cc.UserID))
			}
			if health.Observe(snap, recv.Connected()) {
				ui.PrintWarning("Connection to the source is down, rejoining the room")
				if err := rejoin(ctx, cc, recv, joined.RoomID); err != nil {
					return err
				}
			}

		case e := <-h.Error:
			logger.Warn("relay error", "code", e.Code, "error", e.Error)

		case u := <-h.RoomUpdate:
			logger.Info("room update", "event", u.Event, "viewers", u.TotalViewers)
		case <-h.ConnectionUpdate:
		case <-h.UserList:
		case <-h.Joined:
		}
	}
}

// handleViewerSignal applies the source's signaling in relay order.
func handleViewerSignal(recv *viewer.Receiver, sig signaling.Signal, logger *slog.Logger) {
	switch {
	case sig.Offer != nil:
		desc, err := sig.Offer.SDP.ToPion()
		if err != nil {
			logger.Warn("dropping offer", "error", err)
			return
		}
		if err := recv.HandleOffer(desc); err != nil {
			logger.Warn("answer failed", "error", err)
		}

	case sig.Candidate != nil:
		if err := recv.HandleCandidate(sig.Candidate.Candidate); err != nil {
			logger.Warn("candidate not applied", "error", err)
		}

	case sig.SourceGone != nil:
		ui.PrintWarning("The source left the room, waiting for it to return")
		recv.Reset()

	default:
		logger.Debug("ignoring signal", "kind", sig.Kind)
	}
}

// rejoin leaves and re-enters the room so the source builds a new session.
func rejoin(ctx context.Context, cc *ConnectionContext, recv *viewer.Receiver, roomID string) error {
	recv.Reset()
	cc.Leave()
	joined, err := cc.Join(ctx, roomID)
	if err != nil {
		return fmt.Errorf("rejoin room: %w", err)
	}
	ui.PrintInfof("Rejoined room %s as viewer %d", joined.RoomID, joined.ViewerNumber)
	return nil
}

func occupancyKey(s presence.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%t|%d|", s.SourcePresent, s.MaxViewers)
	for _, v := range s.Viewers {
		fmt.Fprintf(&b, "%s:%d,", v.ID, v.Number)
	}
	return b.String()
}
