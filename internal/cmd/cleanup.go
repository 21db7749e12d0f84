package cmd

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/madvault/madserve/internal/server"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover uploads",
	Long: `Cleanup removes upload files left in upload.dir by a server that was
killed while analyses were in flight. Normally every upload is removed as
soon as its analysis settles; "serve" also sweeps old leftovers at startup.

Use --dry-run to see what would be removed without making changes.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var (
	cleanupDryRun    bool
	cleanupForce     bool
	cleanupOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without making changes")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Only remove uploads older than this (default: upload.stale_after_seconds)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(cfg.Upload.Dir)
	if err != nil {
		return fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	olderThan := cleanupOlderThan
	if !cmd.Flags().Changed("older-than") {
		olderThan = cfg.Upload.StaleAfter()
	}

	return cleanupUploads(afero.NewOsFs(), dir, olderThan, time.Now(), cleanupOptions{
		dryRun: cleanupDryRun,
		force:  cleanupForce,
		in:     cmd.InOrStdin(),
		out:    cmd.OutOrStdout(),
	})
}

type cleanupOptions struct {
	dryRun bool
	force  bool
	in     io.Reader
	out    io.Writer
}

func cleanupUploads(fs afero.Fs, dir string, olderThan time.Duration, now time.Time, opts cleanupOptions) error {
	stale, err := server.FindStaleUploads(fs, dir, olderThan, now)
	if err != nil {
		return fmt.Errorf("failed to find stale uploads: %w", err)
	}
	if len(stale) == 0 {
		fmt.Fprintln(opts.out, "No stale uploads found. Nothing to clean up.")
		return nil
	}

	printCleanupSummary(opts.out, dir, stale, now)

	if opts.dryRun {
		fmt.Fprintln(opts.out, "\nDry run mode - no changes made.")
		return nil
	}

	if !opts.force {
		fmt.Fprint(opts.out, "\nProceed with cleanup? [y/N] ")
		response, _ := bufio.NewReader(opts.in).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(opts.out, "Cleanup cancelled.")
			return nil
		}
	}

	removed, err := server.RemoveUploads(fs, stale)
	fmt.Fprintf(opts.out, "Removed %d of %d uploads.\n", removed, len(stale))
	if err != nil {
		return fmt.Errorf("some uploads could not be removed: %w", err)
	}
	return nil
}

func printCleanupSummary(w io.Writer, dir string, stale []server.StaleUpload, now time.Time) {
	var total int64
	for _, u := range stale {
		total += u.Size
	}
	fmt.Fprintf(w, "Stale uploads in %s (%d files, %d bytes):\n", dir, len(stale), total)
	for _, u := range stale {
		fmt.Fprintf(w, "  - %s (%d bytes, %s old)\n", filepath.Base(u.Path), u.Size, now.Sub(u.ModTime).Truncate(time.Second))
	}
}
