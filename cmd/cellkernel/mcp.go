package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ckmcp "github.com/deixis/cellkernel/internal/mcp"
)

var (
	mcpHTTPAddr     string
	mcpInstructions bool
	mcpRunTimeout   time.Duration
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server",
	Long: `Start the MCP server on stdio, or over streamable HTTP with --http.

The interpreter is started on the first kernel_run and shared by every call.
Changes to the .cellkernel file apply to the next interpreter session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mcpInstructions {
			fmt.Fprint(cmd.OutOrStdout(), ckmcp.Instructions)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return serve(ctx, mcpHTTPAddr)
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpHTTPAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	mcpCmd.Flags().BoolVar(&mcpInstructions, "instructions", false, "print model instructions and exit")
	mcpCmd.Flags().DurationVar(&mcpRunTimeout, "run-timeout", ckmcp.DefaultRunTimeout, "how long kernel_run waits for a cell")
}

func serve(ctx context.Context, httpAddr string) error {
	s, err := newStack(loaded, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("shutting down kernel", zap.Error(err))
		}
	}()

	if err := s.watch(); err != nil {
		logger.Warn("config live reload disabled", zap.Error(err))
	}

	server := ckmcp.NewServer(s.kernel, s.store,
		ckmcp.WithLogger(logger.Named("mcp")),
		ckmcp.WithRunTimeout(mcpRunTimeout),
		ckmcp.WithRootsHandler(s.switchWorkspace))

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	logger.Info("listening", zap.String("address", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
