package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#00FF00"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000"))
)

// Render writes the report in one of the supported formats.
func Render(w io.Writer, report Report, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable, "":
		_, err := io.WriteString(w, renderTable(report))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func stateText(s NodeState) string {
	if s == NodeRunning {
		return okStyle.Render(string(s))
	}
	return errorStyle.Render(string(s))
}

func optional(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func renderTable(report Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Cluster "+report.Cluster))

	nodes := newTable("NODE", "ROLE", "STATE", "DB", "PORT", "CONSENSUS", "STREAMING FROM")
	for _, n := range report.Nodes {
		db := "unreachable"
		if n.Reachable {
			db = "ok"
		}
		streaming := "-"
		if n.WalReceiver != nil {
			streaming = fmt.Sprintf("%s:%d (%s)", n.WalReceiver.SenderHost, n.WalReceiver.SenderPort, n.WalReceiver.Status)
		}
		nodes.Row(n.Name, string(n.Role), stateText(n.State), db, strconv.Itoa(n.DBPort), strconv.Itoa(n.ConsensusPort), streaming)
	}
	fmt.Fprintf(&b, "%s\n", nodes.Render())
	fmt.Fprintf(&b, "Running nodes: %d/%d\n\n", report.Running(), len(report.Nodes))

	leader := "none"
	if report.LeaderID > 0 {
		leader = strconv.FormatInt(report.LeaderID, 10)
	}
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Consensus (leader: "+leader+")"))
	if len(report.Members) == 0 {
		b.WriteString("No members reported\n")
	} else {
		members := newTable("ID", "ADDRESS", "PORT", "LEADER")
		for _, m := range report.Members {
			members.Row(strconv.FormatInt(m.ID, 10), m.Address, strconv.Itoa(m.Port), strconv.FormatBool(m.IsLeader))
		}
		fmt.Fprintf(&b, "%s\n", members.Render())
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Replication"))
	if len(report.Replication) == 0 {
		b.WriteString("No replication connections\n")
	} else {
		repl := newTable("APPLICATION", "CLIENT", "STATE", "SENT LSN", "REPLAY LSN", "LAG", "SYNC")
		for _, r := range report.Replication {
			repl.Row(r.ApplicationName, optional(r.ClientAddr), r.State, optional(r.SentLsn), optional(r.ReplayLsn), optional(r.ReplayLag), r.SyncState)
		}
		fmt.Fprintf(&b, "%s\n", repl.Render())
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Connection info"))
	for _, n := range report.Nodes {
		fmt.Fprintf(&b, "  %-10s %s\n", n.Name+":", n.ConnInfo)
	}

	if run := report.LastRun; run != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s\n", titleStyle.Render("Last bootstrap run"))
		fmt.Fprintf(&b, "  run %s reached %s at %s\n", run.RunID, run.Phase, run.UpdatedAt.Format("2006-01-02 15:04:05"))
		if run.Error != "" {
			fmt.Fprintf(&b, "  %s\n", errorStyle.Render(run.Error))
		}
		for _, n := range run.Nodes {
			switch {
			case n.Degraded:
				fmt.Fprintf(&b, "  %s: %s init=%s %s\n", n.Name, errorStyle.Render("degraded"), n.Init, n.Error)
			case n.Error != "":
				fmt.Fprintf(&b, "  %s: init=%s %s\n", n.Name, n.Init, n.Error)
			}
		}
	}

	if len(report.Errors) > 0 {
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s\n", errorStyle.Render("Errors"))
		for _, e := range report.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}

	return b.String()
}
