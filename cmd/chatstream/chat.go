package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatstream/internal/relay"
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87ceeb"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func newChatCmd() *cobra.Command {
	var (
		serverURL string
		sessionID string
		model     string
		markdown  bool
		tui       bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running server from the terminal",
		Long: "Reads one message per line and streams the reply.\n" +
			"Commands: /reset clears the conversation, /history prints it, /quit exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newChatClient(serverURL, sessionID, model)
			var renderer *glamour.TermRenderer
			if markdown {
				r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
				if err != nil {
					return fmt.Errorf("failed to init markdown renderer: %w", err)
				}
				renderer = r
			}
			if tui {
				p := tea.NewProgram(newTUIModel(cmd.Context(), client, renderer),
					tea.WithAltScreen(), tea.WithContext(cmd.Context()))
				_, err := p.Run()
				return err
			}
			return runChat(cmd.Context(), client, renderer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", envOr("CHATSTREAM_URL", "http://127.0.0.1:8000"), "server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default session when empty)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render each complete reply as markdown instead of streaming it")
	cmd.Flags().BoolVar(&tui, "tui", false, "run a full-screen terminal UI")
	return cmd
}

func runChat(ctx context.Context, client *chatClient, renderer *glamour.TermRenderer, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := client.Reset(ctx); err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			fmt.Fprintln(out, dimStyle.Render("conversation reset"))
			continue
		case "/history":
			turns, err := client.History(ctx)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			for _, t := range turns {
				fmt.Fprintf(out, "%s %s\n", dimStyle.Render(string(t.Role)+":"), t.Content)
			}
			continue
		}

		var onEvent func(relay.Event)
		printer := &deltaPrinter{w: out}
		if renderer == nil {
			onEvent = printer.Print
		}
		final, err := client.Stream(ctx, line, onEvent)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		if final.Error {
			if printer.seen != "" {
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out, errorStyle.Render(final.Content))
			continue
		}
		if renderer != nil {
			rendered, err := renderer.Render(final.Content)
			if err != nil {
				fmt.Fprintln(out, final.Content)
				continue
			}
			fmt.Fprint(out, rendered)
			continue
		}
		fmt.Fprintln(out)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
