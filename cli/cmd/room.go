package cmd

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
	"github.com/BioHazard786/Warpcam/cli/internal/ui"
)

const (
	roomIDLength   = 6
	roomIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var errRoomNotFound = errors.New("room not found")

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Create or inspect rooms",
}

var roomNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Print a fresh random room id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := generateRoomID()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var roomShowCmd = &cobra.Command{
	Use:   "show <room-id>",
	Short: "Show who is in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		endpoint, err := roomURL(cfg.ServerURL, args[0])
		if err != nil {
			return err
		}

		room, err := fetchRoom(cmd.Context(), http.DefaultClient, endpoint)
		if err != nil {
			return err
		}
		ui.RenderOccupancy(cmd.OutOrStdout(), occupancyFromRoom(room, ""))
		return nil
	},
}

func init() {
	roomCmd.AddCommand(roomNewCmd, roomShowCmd)
	rootCmd.AddCommand(roomCmd)
}

// generateRoomID returns a short id from an alphabet without look-alike
// characters.
func generateRoomID() (string, error) {
	max := big.NewInt(int64(len(roomIDAlphabet)))
	var b strings.Builder
	for i := 0; i < roomIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		b.WriteByte(roomIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// roomURL derives the HTTP room endpoint from the relay's websocket URL.
func roomURL(serverURL, roomID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("server URL must use ws or wss, got %q", u.Scheme)
	}
	base := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.Path = base + "/rooms/" + url.PathEscape(strings.ToUpper(strings.TrimSpace(roomID)))
	return u.String(), nil
}

type roomSnapshot struct {
	ID            string                 `json:"id"`
	SourcePresent bool                   `json:"source_present"`
	Source        string                 `json:"source"`
	ViewerCount   int                    `json:"viewer_count"`
	MaxViewers    int                    `json:"max_viewers"`
	Viewers       []signaling.ViewerInfo `json:"viewers"`
}

func fetchRoom(ctx context.Context, client *http.Client, endpoint string) (roomSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return roomSnapshot{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return roomSnapshot{}, fmt.Errorf("query relay: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return roomSnapshot{}, errRoomNotFound
	default:
		return roomSnapshot{}, fmt.Errorf("query relay: unexpected status %s", resp.Status)
	}

	var room roomSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return roomSnapshot{}, fmt.Errorf("decode room: %w", err)
	}
	return room, nil
}

func occupancyFromRoom(room roomSnapshot, selfID string) ui.Occupancy {
	return occupancy(room.ID, room.SourcePresent, room.MaxViewers, room.Viewers, selfID)
}

func occupancy(roomID string, sourcePresent bool, maxViewers int, viewers []signaling.ViewerInfo, selfID string) ui.Occupancy {
	o := ui.Occupancy{RoomID: roomID, SourcePresent: sourcePresent, MaxViewers: maxViewers}
	for _, v := range viewers {
		o.Viewers = append(o.Viewers, ui.OccupantRow{Number: v.Number, Name: v.DisplayName, Self: v.ID == selfID})
	}
	return o
}

func defaultName(role string) string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return role
}
