package tui

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/halvorsen/each/internal/history"

	tea "github.com/charmbracelet/bubbletea"
)

// SortColumn represents the current sort field for the item list.
type SortColumn int

const (
	SortByDuration SortColumn = iota
	SortByName
	SortByStatus
	SortByAttempt
)

func (s SortColumn) String() string {
	switch s {
	case SortByName:
		return "name"
	case SortByStatus:
		return "status"
	case SortByAttempt:
		return "attempt"
	default:
		return "duration"
	}
}

// Snapshot is one published refresh of a batch's state, pushed by the
// host loop as each scheduler collect pass completes.
type Snapshot struct {
	Summary *history.RunSummary
	Items   []history.ItemSummary
}

// Model holds the TUI state.
type Model struct {
	db    *sql.DB
	runID int64
	live  <-chan Snapshot // nil when browsing a finished run

	summary      *history.RunSummary
	allItems     []history.ItemSummary
	items        []history.ItemSummary
	cursor       int
	sort         SortColumn
	width        int
	height       int
	filter       string
	filterActive bool
	err          error
}

// NewModel creates a TUI model over runID's rows in db. live, if
// non-nil, is read for refreshed snapshots while the run is still
// active; the host closes it once the run finishes.
func NewModel(db *sql.DB, runID int64, live <-chan Snapshot) *Model {
	return &Model{
		db:    db,
		runID: runID,
		live:  live,
		sort:  SortByDuration,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	if m.live != nil {
		return tea.Batch(m.loadInitialData, m.waitForSnapshot)
	}
	return m.loadInitialData
}

type dataLoadedMsg struct {
	summary *history.RunSummary
	items   []history.ItemSummary
	err     error
}

func (m *Model) loadInitialData() tea.Msg {
	if m.db == nil {
		// Live-only mode: no persisted run to load yet, the first
		// snapshot off the live channel populates the view.
		return dataLoadedMsg{}
	}
	summary, err := history.Run(m.db, m.runID)
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	items, err := history.ItemsByStatus(m.db, m.runID, "")
	if err != nil {
		return dataLoadedMsg{err: err}
	}
	return dataLoadedMsg{summary: summary, items: items}
}

type snapshotMsg struct {
	snap Snapshot
	ok   bool
}

// waitForSnapshot blocks on the live channel; Update re-issues it after
// every message so the event loop keeps draining refreshes.
func (m *Model) waitForSnapshot() tea.Msg {
	snap, ok := <-m.live
	return snapshotMsg{snap: snap, ok: ok}
}

func (m *Model) helpLine() string {
	if m.filterActive {
		return "Type to filter | Enter: apply | Esc: clear | q: quit"
	}
	return "↑/↓ move | n/t/s/d: sort name/status/attempt/duration | /: filter | q: quit"
}

func (m *Model) setItems(items []history.ItemSummary) {
	m.allItems = items
	m.sortItems()
}

func (m *Model) applyFilter() {
	if m.filter == "" {
		m.items = m.allItems
	} else {
		filtered := make([]history.ItemSummary, 0, len(m.allItems))
		needle := strings.ToLower(m.filter)
		for _, it := range m.allItems {
			if strings.Contains(strings.ToLower(it.Name), needle) {
				filtered = append(filtered, it)
			}
		}
		m.items = filtered
	}
	if m.cursor >= len(m.items) {
		m.cursor = len(m.items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) sortItems() {
	items := append([]history.ItemSummary(nil), m.allItems...)
	less := func(i, j int) bool { return items[i].Duration > items[j].Duration }
	switch m.sort {
	case SortByName:
		less = func(i, j int) bool { return items[i].Name < items[j].Name }
	case SortByStatus:
		less = func(i, j int) bool { return items[i].Status < items[j].Status }
	case SortByAttempt:
		less = func(i, j int) bool { return items[i].Attempt > items[j].Attempt }
	}
	sort.SliceStable(items, less)
	m.allItems = items
	m.applyFilter()
}

// elapsed reports how long the run has been going, for the header line.
func (m *Model) elapsed() time.Duration {
	if m.summary == nil {
		return 0
	}
	if !m.summary.EndedAt.IsZero() {
		return m.summary.EndedAt.Sub(m.summary.StartedAt)
	}
	return time.Since(m.summary.StartedAt)
}

func (m *Model) counts() (succeeded, failed, skipped, pending int) {
	if m.summary != nil && !m.summary.EndedAt.IsZero() {
		succeeded, failed, skipped = m.summary.Succeeded, m.summary.Failed, m.summary.Skipped
		return
	}
	for _, it := range m.allItems {
		switch it.Status {
		case "succeeded":
			succeeded++
		case "failed":
			failed++
		case "skipped-done", "skipped-missing":
			skipped++
		default:
			pending++
		}
	}
	return
}
