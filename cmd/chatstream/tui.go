package main

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/stupiduntilnot/chatstream/internal/relay"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87ceeb"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#98fb98"))
)

type tuiKeymap struct {
	Send  key.Binding
	Reset key.Binding
	Quit  key.Binding
}

func defaultTUIKeymap() tuiKeymap {
	return tuiKeymap{
		Send:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
		Reset: key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "reset conversation")),
		Quit:  key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
	}
}

type (
	streamEventMsg struct {
		ev relay.Event
		ch <-chan streamItem
	}
	streamDoneMsg struct {
		final relay.Event
		err   error
	}
	resetDoneMsg struct{ err error }
)

type streamItem struct {
	ev   relay.Event
	err  error
	done bool
}

type tuiModel struct {
	ctx      context.Context
	client   *chatClient
	renderer *glamour.TermRenderer
	keys     tuiKeymap

	viewport   viewport.Model
	input      textinput.Model
	transcript strings.Builder
	pending    string
	streaming  bool
	status     string
}

func newTUIModel(ctx context.Context, client *chatClient, renderer *glamour.TermRenderer) *tuiModel {
	in := textinput.New()
	in.Focus()
	in.Prompt = "you> "
	in.CharLimit = 8192

	return &tuiModel{
		ctx:      ctx,
		client:   client,
		renderer: renderer,
		keys:     defaultTUIKeymap(),
		viewport: viewport.New(80, 20),
		input:    in,
		status:   "enter send · ctrl+r reset · esc quit",
	}
}

func (m *tuiModel) Init() tea.Cmd { return textinput.Blink }

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width, m.viewport.Height = msg.Width, msg.Height-3
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Reset):
			if m.streaming {
				return m, nil
			}
			return m, m.resetCmd()
		case key.Matches(msg, m.keys.Send):
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.streaming {
				return m, nil
			}
			m.input.Reset()
			m.appendTranscript(userStyle.Render("you") + "\n" + line)
			m.streaming = true
			m.status = "streaming..."
			return m, m.streamCmd(line)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case streamEventMsg:
		if !msg.ev.Error {
			m.pending = msg.ev.Content
			m.refresh()
		}
		return m, waitForStream(msg.ch)

	case streamDoneMsg:
		m.streaming = false
		m.pending = ""
		switch {
		case msg.err != nil:
			m.appendTranscript(errorStyle.Render("error: " + msg.err.Error()))
		case msg.final.Error:
			m.appendTranscript(errorStyle.Render(msg.final.Content))
		default:
			m.appendTranscript(assistantStyle.Render("assistant") + "\n" + m.render(msg.final.Content))
		}
		m.status = "ready"
		return m, nil

	case resetDoneMsg:
		if msg.err != nil {
			m.status = "reset failed: " + msg.err.Error()
			return m, nil
		}
		m.transcript.Reset()
		m.refresh()
		m.status = "conversation reset"
		return m, nil
	}
	return m, nil
}

func (m *tuiModel) View() string {
	return m.viewport.View() + "\n" + m.input.View() + "\n" + dimStyle.Render(m.status)
}

func (m *tuiModel) render(content string) string {
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func (m *tuiModel) appendTranscript(s string) {
	m.transcript.WriteString(s)
	m.transcript.WriteString("\n\n")
	m.refresh()
}

func (m *tuiModel) refresh() {
	content := m.transcript.String()
	if m.pending != "" {
		content += assistantStyle.Render("assistant") + "\n" + m.pending
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// streamCmd runs one request in the background and feeds its events back
// through waitForStream.
func (m *tuiModel) streamCmd(line string) tea.Cmd {
	ctx, client := m.ctx, m.client
	return func() tea.Msg {
		ch := make(chan streamItem, 16)
		go func() {
			defer close(ch)
			final, err := client.Stream(ctx, line, func(ev relay.Event) {
				if !ev.Done {
					ch <- streamItem{ev: ev}
				}
			})
			ch <- streamItem{ev: final, err: err, done: true}
		}()
		return waitForStream(ch)()
	}
}

func waitForStream(ch <-chan streamItem) tea.Cmd {
	return func() tea.Msg {
		item, ok := <-ch
		if !ok {
			return streamDoneMsg{err: errors.New("stream closed")}
		}
		if item.done {
			return streamDoneMsg{final: item.ev, err: item.err}
		}
		return streamEventMsg{ev: item.ev, ch: ch}
	}
}

func (m *tuiModel) resetCmd() tea.Cmd {
	ctx, client := m.ctx, m.client
	return func() tea.Msg {
		return resetDoneMsg{err: client.Reset(ctx)}
	}
}
