package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/madvault/madserve/internal/bridge"
	apperrors "github.com/madvault/madserve/internal/errors"
	"github.com/madvault/madserve/internal/report"
	"github.com/sourcegraph/conc/stream"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>...",
	Short: "Analyze images with a one-off worker",
	Long: `Start a worker, submit every image concurrently, and print one JSON line
per image in argument order:

  {"path":"a.jpg","result":{...}}
  {"path":"b.png","error":"..."}

The command exits non-zero if any image failed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

var analyzeParallel int

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().IntVarP(&analyzeParallel, "parallel", "p", 0, "maximum images in flight (0 = all at once)")
	analyzeCmd.Flags().String("script", "", "path to the worker script")
	analyzeCmd.Flags().String("interpreter", "", "Python interpreter for the worker")
}

// imageAnalyzer is the part of the bridge the analyze command needs.
type imageAnalyzer interface {
	Analyze(ctx context.Context, inputPath string) (*bridge.Result, error)
}

// analysisLine is one line of analyze output.
type analysisLine struct {
	Path   string         `json:"path"`
	Result *report.Report `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// errSomeFailed is returned when at least one image failed.
type errSomeFailed struct {
	failed, total int
}

func (e errSomeFailed) Error() string {
	return fmt.Sprintf("%d of %d images failed", e.failed, e.total)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd.Flags(), map[string]string{
		"script":      "worker.script_path",
		"interpreter": "worker.interpreter",
	}); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	br, err := startBridge(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer stopBridge(br, logger)

	failed := analyzeImages(cmd.Context(), br, afero.NewOsFs(), args, analyzeParallel, cmd.OutOrStdout())
	if failed > 0 {
		return errSomeFailed{failed: failed, total: len(args)}
	}
	return nil
}

// analyzeImages submits every path concurrently and writes one JSON line per
// path, in input order. It returns the number of failures.
func analyzeImages(ctx context.Context, a imageAnalyzer, fs afero.Fs, paths []string, parallel int, w io.Writer) int {
	s := stream.New()
	if parallel > 0 {
		s = s.WithMaxGoroutines(parallel)
	}

	enc := json.NewEncoder(w)
	failed := 0
	for _, path := range paths {
		s.Go(func() stream.Callback {
			line := analyzeOne(ctx, a, fs, path)
			return func() {
				if line.Error != "" {
					failed++
				}
				_ = enc.Encode(line)
			}
		})
	}
	s.Wait()
	return failed
}

func analyzeOne(ctx context.Context, a imageAnalyzer, fs afero.Fs, path string) analysisLine {
	line := analysisLine{Path: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		line.Error = err.Error()
		return line
	}
	info, err := fs.Stat(abs)
	if err != nil {
		line.Error = err.Error()
		return line
	}
	if info.IsDir() {
		line.Error = apperrors.NewValidationError("not a file").WithValue(path).Error()
		return line
	}

	res, err := a.Analyze(ctx, abs)
	if err != nil {
		line.Error = err.Error()
		return line
	}
	wr, err := report.Decode(res.Fields)
	if err != nil {
		line.Error = err.Error()
		return line
	}

	line.Result = report.Build(wr, report.Upload{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	}, time.Now())
	return line
}

// ExitCode maps an Execute error to a process exit status: 2 when some
// images failed analysis, 1 for any other error.
func ExitCode(err error) int {
	var partial errSomeFailed
	switch {
	case err == nil:
		return 0
	case errors.As(err, &partial):
		return 2
	default:
		return 1
	}
}
