package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/groupjoin/internal/join"
)

const joinViewWidth = 48

type snapshotMsg join.Snapshot

type updatesClosedMsg struct{}

// joinModel follows a single attempt until it reaches a terminal state.
type joinModel struct {
	snap    join.Snapshot
	updates <-chan join.Snapshot
	cancel  func(id string)
	spinner spinner.Model
	closed  bool
}

func newJoinModel(snap join.Snapshot, updates <-chan join.Snapshot, cancel func(id string)) joinModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return joinModel{snap: snap, updates: updates, cancel: cancel, spinner: s}
}

func waitForSnapshot(ch <-chan join.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m joinModel) Init() tea.Cmd {
	if m.snap.State.Terminal() {
		return tea.Quit
	}
	return tea.Batch(m.spinner.Tick, waitForSnapshot(m.updates))
}

func (m joinModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.snap.State.Terminal() && m.cancel != nil {
				m.cancel(m.snap.ID)
				m.snap.State = join.StateCancelled
			}
			return m, tea.Quit
		}
		return m, nil

	case snapshotMsg:
		s := join.Snapshot(msg)
		if s.ID == m.snap.ID && stateRank(s.State) >= stateRank(m.snap.State) {
			m.snap = s
		}
		if m.snap.State.Terminal() {
			return m, tea.Quit
		}
		return m, waitForSnapshot(m.updates)

	case updatesClosedMsg:
		m.closed = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m joinModel) View() string {
	var b strings.Builder
	b.WriteString("  " + appNameStyle.Render("groupjoin") + "\n")
	b.WriteString(separator(joinViewWidth) + "\n\n")

	if p := m.snap.Invite.Preview; p != nil && p.Name != "" {
		b.WriteString("  " + labelStyle.Render("conversation ") + p.Name + "\n")
		if p.Description != "" {
			b.WriteString("  " + subtitleStyle.Render(p.Description) + "\n")
		}
		b.WriteString("\n")
	}

	switch {
	case m.snap.State == join.StateJoined:
		b.WriteString("  " + connectedStyle.Render("joined "+m.snap.ConversationID) + "\n")
	case m.snap.State == join.StateFailed && m.snap.Failure != nil:
		b.WriteString("  " + errorStyle.Render(m.snap.Failure.Message) + "\n")
	case m.snap.State == join.StateCancelled:
		b.WriteString("  " + subtitleStyle.Render("cancelled") + "\n")
	case m.closed:
		b.WriteString("  " + errorStyle.Render("connection closed") + "\n")
	default:
		b.WriteString(fmt.Sprintf("  %s %s\n", m.spinner.View(), stateLabel(m.snap.State)))
		b.WriteString("\n  " + helpStyle.Render("q cancel") + "\n")
	}
	return b.String()
}

func stateLabel(s join.State) string {
	switch s {
	case join.StateJoining:
		return "waiting for the conversation creator"
	case join.StateValidating, join.StateValidated:
		return "checking invite"
	default:
		return string(s)
	}
}
