package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/cellkernel/internal/kernel"
	"github.com/deixis/cellkernel/internal/report"
)

var (
	runExpr    string
	runJSON    bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code as one cell and print its outputs",
	Long: `Run code as one cell in a fresh interpreter and print its outputs.

The code comes from -e, from the named file, or from stdin when the file is "-"
or omitted. The exit status is 1 when the cell fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readCode(cmd.InOrStdin(), runExpr, args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		s, err := newStack(loaded, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.Close(closeCtx)
		}()

		cell := report.NewCell(code)
		res, err := s.kernel.Run(ctx, code, cell)
		if err != nil && !errors.Is(err, kernel.ErrOrphanedExecution) {
			return fmt.Errorf("running cell: %w", err)
		}
		cell.SetRequestID(res.RequestID)
		tr := cell.Transcript()

		out := cmd.OutOrStdout()
		if runJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(tr); err != nil {
				return err
			}
		} else {
			fmt.Fprint(out, report.Format(tr))
		}

		if tr.Status != report.Succeeded {
			return errCellFailed{}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runExpr, "expr", "e", "", "code to run instead of reading a file")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the transcript as JSON")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "give up after this long (e.g. 30s); 0 waits forever")
}

// readCode picks the cell source from -e, a file, or stdin.
func readCode(stdin io.Reader, expr string, args []string) (string, error) {
	if expr != "" {
		if len(args) > 0 {
			return "", errors.New("use either -e or a file, not both")
		}
		return expr, nil
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}
