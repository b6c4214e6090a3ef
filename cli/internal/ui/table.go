package ui

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
)

// SessionRow is one viewer in the source's session table.
type SessionRow struct {
	Number   int
	Name     string
	State    string
	Attempts int
	Pending  int
}

// SessionTableView renders the source's viewer sessions.
func SessionTableView(rows []SessionRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("No viewers yet")
	}

	var data [][]string
	for _, r := range rows {
		data = append(data, []string{
			strconv.Itoa(r.Number),
			truncate(r.Name, 24),
			r.State,
			strconv.Itoa(r.Attempts),
			strconv.Itoa(r.Pending),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Viewer", "State", "Retries", "Queued").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case col == 2 && row >= 0 && row < len(rows):
				return stateStyle(rows[row].State)
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return tableCellStyle.Foreground(Success)
	case "failed":
		return tableCellStyle.Foreground(Error)
	case "offer-sent", "answered":
		return tableCellStyle.Foreground(Warning)
	default:
		return tableCellStyle.Foreground(Muted)
	}
}

// RoomInfo is the banner shown once a room is joined.
type RoomInfo struct {
	RoomID     string
	Role       string
	Server     string
	MaxViewers int
}

func (r RoomInfo) View() string {
	content := fmt.Sprintf("%s Streaming to room\n\n%s Room ID:  %s\n%s Relay:    %s\n%s Viewers:  up to %d",
		IconCamera,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconConnect, MutedStyle.Render(r.Server),
		IconViewer, r.MaxViewers,
	)
	if r.Role != "source" {
		content = fmt.Sprintf("%s Watching room %s\n\n%s Relay:  %s",
			IconViewer, BoldStyle.Foreground(Primary).Render(r.RoomID),
			IconConnect, MutedStyle.Render(r.Server),
		)
	}
	return RoomBoxStyle.Render(content)
}

// Occupancy is the room state reported by a heartbeat reply.
type Occupancy struct {
	RoomID        string
	SourcePresent bool
	MaxViewers    int
	Viewers       []OccupantRow
}

type OccupantRow struct {
	Number int
	Name   string
	Self   bool
}

// RenderOccupancy writes the occupancy table to w.
func RenderOccupancy(w io.Writer, o Occupancy) {
	t := prettytable.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(prettytable.StyleRounded)

	source := "absent"
	if o.SourcePresent {
		source = "live"
	}
	t.SetTitle(fmt.Sprintf("Room %s  source: %s  viewers: %d/%d", o.RoomID, source, len(o.Viewers), o.MaxViewers))
	t.AppendHeader(prettytable.Row{"#", "Viewer", ""})
	for _, v := range o.Viewers {
		marker := ""
		if v.Self {
			marker = "you"
		}
		t.AppendRow(prettytable.Row{v.Number, v.Name, marker})
	}
	if len(o.Viewers) == 0 {
		t.AppendRow(prettytable.Row{"-", "nobody", ""})
	}
	t.Render()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
