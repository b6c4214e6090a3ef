package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpcam/cli/internal/alert"
	"github.com/BioHazard786/Warpcam/cli/internal/config"
	"github.com/BioHazard786/Warpcam/cli/internal/media"
	"github.com/BioHazard786/Warpcam/cli/internal/peer"
	"github.com/BioHazard786/Warpcam/cli/internal/presence"
	"github.com/BioHazard786/Warpcam/cli/internal/rtc"
	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
	"github.com/BioHazard786/Warpcam/cli/internal/ui"
)

var (
	flagStreamRoom   string
	flagStreamName   string
	flagStreamVideo  string
	flagStreamAudio  string
	flagStreamAlerts string
	flagStreamPlain  bool
)

var streamCmd = &cobra.Command{
	Use:     "stream",
	Aliases: []string{"s"},
	Short:   "Stream to a room as its source",
	Long: `Join a room as its source and open a separate WebRTC connection to every
viewer. Failed viewer connections are rebuilt after --retry-backoff.

Examples:
  warpcam stream --room AB12 --video camera.ivf --audio mic.ogg
  detector | warpcam stream --room AB12 --alerts -`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runStream(cmd.Context(), cfg)
	},
}

func init() {
	f := streamCmd.Flags()
	f.StringVarP(&flagStreamRoom, "room", "r", "", "room id to stream to (random when empty)")
	f.StringVarP(&flagStreamName, "name", "n", "", "display name (hostname when empty)")
	f.StringVar(&flagStreamVideo, "video", "", "VP8 IVF file to loop as the video track")
	f.StringVar(&flagStreamAudio, "audio", "", "Ogg/Opus file to loop as the audio track")
	f.StringVar(&flagStreamAlerts, "alerts", "", "JSON-lines alert feed, - for stdin")
	f.BoolVar(&flagStreamPlain, "plain", false, "print events instead of the live dashboard")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	roomID := flagStreamRoom
	if roomID == "" {
		id, err := generateRoomID()
		if err != nil {
			return err
		}
		roomID = id
	}
	name := flagStreamName
	if name == "" {
		name = defaultName(signaling.RoleSource)
	}

	spin := ui.NewConnectionSpinner("Connecting to relay...")
	spin.Start()
	cc, err := NewConnectionContext(ctx, cfg)
	if err != nil {
		spin.Error("Could not reach the relay")
		return err
	}
	defer cc.Close()

	if _, err := cc.Register(ctx, name, signaling.RoleSource); err != nil {
		spin.Error("Registration failed")
		return err
	}
	joined, err := cc.Join(ctx, roomID)
	if err != nil {
		spin.Error("Could not join room " + strings.ToUpper(roomID))
		return err
	}
	spin.Stop()
	defer cc.Leave()

	logger := cc.Logger.With("room_id", joined.RoomID)

	src, err := media.NewSource(logger)
	if err != nil {
		return err
	}
	api, err := rtc.NewAPI(logger)
	if err != nil {
		return err
	}

	orch := peer.New(peer.Options{
		Factory:      peer.NewPionFactory(api, rtc.Configuration(cfg), src.Tracks(), logger),
		Signaler:     sourceSignaler{client: cc.Client},
		RetryBackoff: cfg.RetryBackoff,
		MaxRetries:   cfg.MaxRetries,
		SourceName:   name,
		Logger:       logger,
	})
	orch.Start()
	defer orch.Stop()

	startPlayback(ctx, src, logger)

	alerts := make(chan alert.Event, 16)
	if flagStreamAlerts != "" {
		go readAlerts(ctx, flagStreamAlerts, alerts, logger)
	}

	go presence.NewMonitor(cfg.HeartbeatInterval, cc.RequestHeartbeat, logger).Run(ctx)

	room := ui.RoomInfo{RoomID: joined.RoomID, Role: joined.Role, Server: cfg.ServerURL, MaxViewers: joined.MaxViewers}
	out := newStreamOutput(room, flagStreamPlain)
	defer out.stop()

	refresh := time.NewTicker(time.Second)
	defer refresh.Stop()

	h := cc.Handler
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-out.quit():
			return nil
		case <-h.Disconnected:
			return errRelayLost

		case sig := <-h.Signals:
			handleSourceSignal(orch, sig, out, logger)

		case reply := <-h.HeartbeatReply:
			// Heartbeats may be older than the membership changes already
			// handled, so they only fill in viewers that were never announced.
			viewers := make([]peer.Viewer, 0, len(reply.Viewers))
			for _, v := range reply.Viewers {
				viewers = append(viewers, peer.Viewer{ID: v.ID, Number: v.Number, DisplayName: v.DisplayName})
			}
			if added, _ := orch.Reconcile(viewers); len(added) > 0 {
				logger.Info("viewers found in heartbeat", "viewer_ids", added)
			}

		case ev := <-alerts:
			if err := cc.Client.Send(signaling.KindAlert, ev.Payload()); err != nil {
				logger.Warn("relay alert", "error", err)
			}
			mirrored := orch.SendAlert(ev.Control())
			logger.Debug("alert published", "id", ev.ID, "mirrored", mirrored)
			out.alert(ui.AlertLine(ev.Severity, ev.Type, ev.Message, ev.Confidence))

		case ev := <-orch.Events():
			switch ev.Kind {
			case peer.EventRetryScheduled:
				out.state(fmt.Sprintf("%s Reconnecting viewer %d (attempt %d)", ui.IconRetry, ev.Viewer.Number, ev.Attempt))
			case peer.EventGaveUp:
				out.state(fmt.Sprintf("%s Gave up on viewer %d after %d attempts", ui.IconError, ev.Viewer.Number, ev.Attempt))
			}
			out.sessions(sessionRows(orch.Sessions()))

		case <-refresh.C:
			out.sessions(sessionRows(orch.Sessions()))

		case e := <-h.Error:
			logger.Warn("relay error", "code", e.Code, "error", e.Error)
			out.state(fmt.Sprintf("%s %s", ui.IconWarning, e.Error))

		case <-h.RoomUpdate:
		case <-h.ConnectionUpdate:
		case <-h.UserList:
		}
	}
}

// handleSourceSignal applies membership changes and viewer signaling in
// relay order.
func handleSourceSignal(orch *peer.Orchestrator, sig signaling.Signal, out *streamOutput, logger *slog.Logger) {
	switch {
	case sig.ViewerJoined != nil:
		v := sig.ViewerJoined
		orch.AddViewer(peer.Viewer{ID: v.ViewerID, Number: v.ViewerNumber, DisplayName: v.DisplayName})
		out.state(fmt.Sprintf("%s joined as viewer %d (%d/%d)", v.DisplayName, v.ViewerNumber, v.TotalViewers, v.MaxViewers))

	case sig.ViewerLeft != nil:
		v := sig.ViewerLeft
		orch.RemoveViewer(v.ViewerID)
		out.state(fmt.Sprintf("%s left (%d remaining)", v.DisplayName, v.Remaining))

	case sig.Answer != nil:
		a := sig.Answer
		desc, err := a.SDP.ToPion()
		if err != nil {
			logger.Warn("dropping answer", "viewer_id", a.ViewerID, "error", err)
			return
		}
		viewer := peer.Viewer{ID: a.ViewerID, Number: a.ViewerNumber, DisplayName: a.DisplayName}
		if err := orch.HandleAnswer(viewer, desc); err != nil {
			logger.Warn("answer not applied", "error", err)
		}

	case sig.Candidate != nil:
		c := sig.Candidate
		if err := orch.HandleCandidate(c.ViewerID, c.Candidate); err != nil {
			logger.Warn("candidate not applied", "error", err)
		}

	default:
		logger.Debug("ignoring signal", "kind", sig.Kind)
	}
}

func startPlayback(ctx context.Context, src *media.Source, logger *slog.Logger) {
	if flagStreamVideo != "" {
		go func() {
			if err := src.PlayIVF(ctx, flagStreamVideo); err != nil {
				logger.Error("video playback stopped", "file", flagStreamVideo, "error", err)
			}
		}()
	}
	if flagStreamAudio != "" {
		go func() {
			if err := src.PlayOgg(ctx, flagStreamAudio); err != nil {
				logger.Error("audio playback stopped", "file", flagStreamAudio, "error", err)
			}
		}()
	}
}

func readAlerts(ctx context.Context, path string, out chan<- alert.Event, logger *slog.Logger) {
	feed, err := alert.Open(path)
	if err != nil {
		logger.Error("open alert feed", "path", path, "error", err)
		return
	}
	defer feed.Close()

	if err := alert.Read(ctx, feed, out, logger); err != nil && ctx.Err() == nil {
		logger.Error("alert feed stopped", "error", err)
	}
}

func sessionRows(sessions []peer.SessionInfo) []ui.SessionRow {
	rows := make([]ui.SessionRow, 0, len(sessions))
	for _, s := range sessions {
		name := s.Viewer.DisplayName
		if name == "" {
			name = s.Viewer.ID
		}
		rows = append(rows, ui.SessionRow{
			Number:   s.Viewer.Number,
			Name:     name,
			State:    s.State.String(),
			Attempts: s.Attempts,
			Pending:  s.PendingCandidates,
		})
	}
	return rows
}

// streamOutput is either the live dashboard or plain line output.
type streamOutput struct {
	dash     *ui.Dashboard
	lastRows string
	never    chan struct{}
}

func newStreamOutput(room ui.RoomInfo, plain bool) *streamOutput {
	o := &streamOutput{never: make(chan struct{})}
	if plain {
		fmt.Fprintln(ui.Out, room.View())
		return o
	}
	o.dash = ui.NewDashboard(room)
	o.dash.Start()
	return o
}

func (o *streamOutput) quit() <-chan struct{} {
	if o.dash == nil {
		return o.never
	}
	return o.dash.Quit()
}

func (o *streamOutput) state(s string) {
	if o.dash != nil {
		o.dash.SetState(s)
		return
	}
	ui.PrintInfo(s)
}

func (o *streamOutput) alert(line string) {
	if o.dash != nil {
		o.dash.PushAlert(line)
		return
	}
	fmt.Fprintln(ui.Out, line)
}

func (o *streamOutput) sessions(rows []ui.SessionRow) {
	if o.dash != nil {
		o.dash.SetSessions(rows)
		return
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%d:%s ", r.Number, r.State)
	}
	if b.String() != o.lastRows && len(rows) > 0 {
		o.lastRows = b.String()
		fmt.Fprintln(ui.Out, ui.SessionTableView(rows))
	}
}

func (o *streamOutput) stop() {
	if o.dash != nil {
		o.dash.Stop()
	}
}
