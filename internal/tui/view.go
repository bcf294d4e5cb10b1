package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/halvorsen/each/internal/history"
)

// View implements tea.Model.
func (m *Model) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err)
	}

	if m.summary == nil {
		return "Loading..."
	}

	var b strings.Builder
	headerLines := 0

	writeLine := func(line string) {
		b.WriteString(line)
		b.WriteString("\n")
		headerLines++
	}

	writeLine(titleStyle.Render("each - Batch Browser"))

	succeeded, failed, skipped, pending := m.counts()
	runInfo := fmt.Sprintf("Run #%d: %s | Started: %s | Elapsed: %s",
		m.summary.ID,
		m.summary.Command,
		m.summary.StartedAt.Format("2006-01-02 15:04:05"),
		formatDuration(m.elapsed()),
	)
	writeLine(statsStyle.Render(runInfo))

	countsLine := fmt.Sprintf("Succeeded: %s | Failed: %s | Skipped: %s | Pending: %s",
		succeededStyle.Render(FormatCount(int64(succeeded))),
		failedStyle.Render(FormatCount(int64(failed))),
		skippedStyle.Render(FormatCount(int64(skipped))),
		FormatCount(int64(pending)),
	)
	writeLine(breadcrumbStyle.Render(countsLine))

	status := fmt.Sprintf("Items: %s", FormatCount(int64(len(m.items))))
	if m.filter != "" {
		status += fmt.Sprintf(" | Filter: %q", m.filter)
	}
	if len(m.items) > 0 && m.cursor < len(m.items) {
		sel := m.items[m.cursor]
		status += fmt.Sprintf(" | Sel: %s (%s, attempt %d)", sel.Name, formatDuration(sel.Duration), sel.Attempt)
	}
	writeLine(statusStyle.Render(status))

	if m.filterActive {
		writeLine(filterStyle.Render(fmt.Sprintf("Filter: %s_", m.filter)))
	} else if m.filter != "" {
		writeLine(filterStyle.Render(fmt.Sprintf("Filter: %s", m.filter)))
	}

	nameLabel := headerLabel("NAME", m.sort == SortByName, "^")
	statusLabel := headerLabel("STATUS", m.sort == SortByStatus, "^")
	attemptLabel := headerLabel("ATTEMPT", m.sort == SortByAttempt, "v")
	durationLabel := headerLabel("DURATION", m.sort == SortByDuration, "v")

	footerLines := 2
	visibleRows := m.height - headerLines - footerLines
	if visibleRows < 5 {
		visibleRows = 5
	}

	startIdx := 0
	if m.cursor >= visibleRows {
		startIdx = m.cursor - visibleRows + 1
	}
	endIdx := min(len(m.items), startIdx+visibleRows)

	widths := calcColumnWidths(m.items, startIdx, endIdx, statusLabel, attemptLabel, durationLabel)
	nameWidth := calcNameWidth(m.width, widths)
	gap := strings.Repeat(" ", colGap)

	nameLabel = truncateRight(nameLabel, nameWidth)
	namePad := nameWidth - len(nameLabel)
	if namePad < 0 {
		namePad = 0
	}
	header := fmt.Sprintf("%s%s%s%*s%s%*s%s%*s",
		nameLabel, strings.Repeat(" ", namePad),
		gap,
		widths.status, statusLabel,
		gap,
		widths.attempt, attemptLabel,
		gap,
		widths.duration, durationLabel,
	)
	writeLine(headerStyle.Render(header))

	for i := startIdx; i < endIdx; i++ {
		line := m.formatItem(m.items[i], i == m.cursor, widths, nameWidth)
		b.WriteString(line)
		b.WriteString("\n")
	}

	displayedRows := min(len(m.items)-startIdx, visibleRows)
	for i := displayedRows; i < visibleRows; i++ {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	help := m.helpLine()
	if len(m.items) > 0 {
		help = fmt.Sprintf("%s [%d/%d]", help, m.cursor+1, len(m.items))
	}
	b.WriteString(helpStyle.Render(help))

	return b.String()
}

type columnWidths struct {
	status   int
	attempt  int
	duration int
}

const (
	colGap       = 2
	minNameWidth = 10
)

func calcColumnWidths(items []history.ItemSummary, startIdx, endIdx int, statusLabel, attemptLabel, durationLabel string) columnWidths {
	w := columnWidths{
		status:   len(statusLabel),
		attempt:  len(attemptLabel),
		duration: len(durationLabel),
	}
	for i := startIdx; i < endIdx; i++ {
		it := items[i]
		if n := len(it.Status); n > w.status {
			w.status = n
		}
		if n := len(fmt.Sprintf("%d", it.Attempt)); n > w.attempt {
			w.attempt = n
		}
		if n := len(formatDuration(it.Duration)); n > w.duration {
			w.duration = n
		}
	}
	return w
}

func calcNameWidth(totalWidth int, w columnWidths) int {
	used := w.status + w.attempt + w.duration + (colGap * 3)
	nameWidth := totalWidth - used
	if nameWidth < minNameWidth {
		nameWidth = minNameWidth
	}
	return nameWidth
}

func truncateRight(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func (m *Model) formatItem(it history.ItemSummary, selected bool, widths columnWidths, nameWidth int) string {
	rawName := truncateRight(it.Name, nameWidth)
	namePad := nameWidth - len(rawName)
	if namePad < 0 {
		namePad = 0
	}
	paddedName := rawName + strings.Repeat(" ", namePad)

	statusPad := widths.status - len(it.Status)
	if statusPad < 0 {
		statusPad = 0
	}
	paddedStatus := strings.Repeat(" ", statusPad) + it.Status

	attemptStr := fmt.Sprintf("%d", it.Attempt)
	attemptPad := widths.attempt - len(attemptStr)
	if attemptPad < 0 {
		attemptPad = 0
	}
	paddedAttempt := strings.Repeat(" ", attemptPad) + attemptStr

	durationStr := formatDuration(it.Duration)
	durationPad := widths.duration - len(durationStr)
	if durationPad < 0 {
		durationPad = 0
	}
	paddedDuration := strings.Repeat(" ", durationPad) + durationStr

	gap := strings.Repeat(" ", colGap)

	if selected {
		line := paddedName + gap + paddedStatus + gap + paddedAttempt + gap + paddedDuration
		return selectedStyle.Render(line)
	}

	line := statusStyleFor(it.Status).Render(paddedName) + gap +
		statusStyleFor(it.Status).Render(paddedStatus) + gap +
		paddedAttempt + gap + paddedDuration
	return line
}

func statusStyleFor(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return succeededStyle
	case "failed":
		return failedStyle
	case "skipped-done", "skipped-missing":
		return skippedStyle
	default:
		return pendingStyle
	}
}

func headerLabel(label string, active bool, dir string) string {
	if active {
		return label + dir
	}
	return label
}

func formatDuration(d time.Duration) string {
	secs := d.Seconds()
	if secs < 1 {
		return fmt.Sprintf("%dms", int(secs*1000))
	}
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs) / 60
	rem := int(secs) % 60
	return fmt.Sprintf("%dm%02ds", mins, rem)
}
