package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/session"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	stateStyles = map[session.State]lipgloss.Style{
		session.Unauthenticated:                badge("240"),
		session.Authenticating:                 badge("33"),
		session.AuthenticatedIncompleteProfile: badge("214"),
		session.AuthenticatedComplete:          badge("42"),
		session.Unauthorized:                   badge("196"),
	}

	noticeStyles = map[autherr.Severity]lipgloss.Style{
		autherr.SeverityInfo:     box("33"),
		autherr.SeverityRetry:    box("214"),
		autherr.SeverityBlocking: box("196"),
	}
)

func badge(color string) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Padding(0, 1).
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color(color))
}

func box(color string) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Padding(0, 1)
}

// stateLabel is what the driver sees for each state.
func stateLabel(s session.State) string {
	switch s {
	case session.Unauthenticated:
		return "Signed out"
	case session.Authenticating:
		return "Signing in"
	case session.AuthenticatedIncompleteProfile:
		return "Profile incomplete"
	case session.AuthenticatedComplete:
		return "Signed in"
	case session.Unauthorized:
		return "Access denied"
	}
	return s.String()
}

func renderSnapshot(w io.Writer, snap session.Snapshot) {
	fmt.Fprintln(w, stateStyles[snap.State].Render(stateLabel(snap.State)))

	p := snap.Profile
	if p == nil {
		return
	}

	rows := [][2]string{
		{"Name", p.Name},
		{"Email", p.Email},
		{"Role", p.Role},
		{"Organization", p.OrganizationID},
		{"License", strings.TrimSpace(p.LicenseNumber + " " + p.LicenseType)},
		{"License expiry", p.LicenseExpiryDate},
		{"Phone", p.PhoneNumber},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintln(w, labelStyle.Render(row[0])+valueStyle.Render(row[1]))
	}
	for _, st := range p.Stations {
		fmt.Fprintln(w, labelStyle.Render("Station")+valueStyle.Render(fmt.Sprintf("%s (%.4f, %.4f)", st.Name, st.Latitude, st.Longitude)))
	}
}

func renderNotice(w io.Writer, err error) {
	notice := autherr.Present(err)
	body := lipgloss.NewStyle().Bold(true).Render(notice.Title) + "\n" + notice.Message
	if notice.Retryable {
		body += "\n" + labelStyle.UnsetWidth().Render("Run the same command again to retry.")
	}
	fmt.Fprintln(w, noticeStyles[notice.Severity].Render(body))
}
