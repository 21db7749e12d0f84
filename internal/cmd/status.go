package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/madvault/madserve/internal/config"
	"github.com/madvault/madserve/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const statusTimeout = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running server",
	Long: `Query GET /api/health on a running madserve and print the result.

Output is styled when stdout is a terminal and plain JSON otherwise.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusURL  string
	statusJSON bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusURL, "url", "", "server base URL (default derived from server.addr)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON even on a terminal")
}

var (
	statusOK    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	statusBad   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F87171"))
	statusLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Width(20)
	statusTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA")).MarginBottom(1)
)

func runStatus(cmd *cobra.Command, args []string) error {
	base := statusURL
	if base == "" {
		cfg := config.Get()
		base = baseURL(cfg.Server.ListenAddr())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	health, err := fetchHealth(ctx, http.DefaultClient, base)
	if err != nil {
		return err
	}

	styled := !statusJSON && term.IsTerminal(int(os.Stdout.Fd()))
	return renderStatus(cmd.OutOrStdout(), base, health, styled)
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// fetchHealth queries the health endpoint under base.
func fetchHealth(ctx context.Context, client *http.Client, base string) (*server.Health, error) {
	url := strings.TrimRight(base, "/") + "/api/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server unreachable at %s: %w", base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %s", resp.Status)
	}

	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &h, nil
}

func renderStatus(w io.Writer, base string, h *server.Health, styled bool) error {
	if !styled {
		return json.NewEncoder(w).Encode(h)
	}

	yesNo := func(ok bool, yes, no string) string {
		if ok {
			return statusOK.Render(yes)
		}
		return statusBad.Render(no)
	}

	rows := []string{
		statusTitle.Render("madserve " + base),
		statusLabel.Render("status") + h.Status,
		statusLabel.Render("worker") + yesNo(h.MLReady, "ready", "not ready"),
		statusLabel.Render("forensics") + yesNo(h.ForensicsAvailable, "available", "unavailable"),
		statusLabel.Render("pending requests") + fmt.Sprint(h.Pending),
	}
	_, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, rows...))
	return err
}
