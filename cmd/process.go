package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process <photo>...",
	Short: "Verify attendance for photos on disk",
	Long: `Run the attendance pipeline over one or more photos and print the
outcome of every detected face. Photos are processed in the given order, so
the same person appearing twice within the cooldown window is recorded once.

Examples:
  # Verify a single photo
  face-attendance process frame.jpg

  # Verify a batch and print machine readable results
  face-attendance process --json captures/*.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Bool("json", false, "Print outcomes as JSON lines")
}

// processResult is one JSON line of --json output.
type processResult struct {
	RunID    string             `json:"run_id"`
	File     string             `json:"file"`
	Outcomes []pipeline.Outcome `json:"outcomes,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func runProcess(cmd *cobra.Command, args []string) error {
	asJSON := mustGetBool(cmd, "json")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	logger.Info("processing photos", "count", len(args))

	var bar *progressbar.ProgressBar
	if !asJSON && len(args) > 1 {
		bar = progressbar.NewOptions(len(args),
			progressbar.OptionSetDescription("Verifying photos"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	counts := make(map[pipeline.Kind]int)
	var results []processResult
	failed := 0
	enc := json.NewEncoder(os.Stdout)

	for _, path := range args {
		if ctx.Err() != nil {
			break
		}
		res := processResult{RunID: runID, File: path}
		outcomes, err := processFile(ctx, a.pipeline, path)
		if err != nil {
			failed++
			res.Error = err.Error()
			logger.Warn("photo failed", "file", path, "error", err)
		}
		res.Outcomes = outcomes
		for _, o := range outcomes {
			counts[o.Kind]++
		}

		if asJSON {
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		} else {
			results = append(results, res)
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	if !asJSON {
		printProcessResults(results)
		printProcessSummary(counts, failed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	return nil
}

func processFile(ctx context.Context, p *pipeline.Pipeline, path string) ([]pipeline.Outcome, error) {
	data, err := os.ReadFile(path) //nolint:gosec // paths come from the command line
	if err != nil {
		return nil, &attendance.InputError{Err: err}
	}
	return p.Process(ctx, data)
}

func printProcessResults(results []processResult) {
	for _, res := range results {
		fmt.Printf("%s\n", res.File)
		if res.Error != "" {
			fmt.Printf("  error: %s\n", res.Error)
			continue
		}
		for i, o := range res.Outcomes {
			line := fmt.Sprintf("  [%d] %s", i, o.Kind)
			if o.IdentityID != "" {
				line += fmt.Sprintf("  %s", o.IdentityID)
				if o.DisplayName != "" && o.DisplayName != o.IdentityID {
					line += fmt.Sprintf(" (%s)", o.DisplayName)
				}
			}
			if o.Count > 0 {
				line += fmt.Sprintf("  count=%d", o.Count)
			}
			if o.Liveness != nil {
				line += fmt.Sprintf("  real=%.2f", o.Liveness.Probabilities[1])
			}
			if o.Error != "" {
				line += fmt.Sprintf("  error=%s", o.Error)
			}
			fmt.Println(line)
		}
	}
}

func printProcessSummary(counts map[pipeline.Kind]int, failed int) {
	fmt.Println("\nSummary:")
	for _, kind := range []pipeline.Kind{
		pipeline.KindAttendanceRecorded,
		pipeline.KindDuplicateSuppressed,
		pipeline.KindSpoofRejected,
		pipeline.KindNoMatch,
		pipeline.KindNoFace,
		pipeline.KindLivenessError,
		pipeline.KindPersistenceError,
	} {
		if n := counts[kind]; n > 0 {
			fmt.Printf("  %-22s %d\n", kind, n)
		}
	}
	if failed > 0 {
		fmt.Printf("  %-22s %d\n", "FAILED_PHOTOS", failed)
	}
}
