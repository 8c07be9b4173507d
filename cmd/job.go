package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mailer/config"
)

var runJobCmd = &cobra.Command{
	Use:   "run-job [payload_file]",
	Short: "Run one delayed deliver job",
	Long: "Run the deliver handler for one delayed job payload, read from a file or stdin. " +
		"Intended for the worker pool that owns delayed_jobs.",
	Args: cobra.MaximumNArgs(1),
	Run:  runJob,
}

func init() {
	rootCmd.AddCommand(runJobCmd)
}

func runJob(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	payload, err := readPayload(cmd.InOrStdin(), args)
	if err != nil {
		log.Fatalf("Failed to read payload: %v", err)
	}

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to start delivery engine: %v", err)
	}

	handleErr := eng.delivery.HandlePayload(ctx, payload)

	// The attempt and any job it writes settle before the reactor stops.
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	eng.close(shutdownCtx)

	if handleErr != nil {
		log.Fatalf("Job rejected: %v", handleErr)
	}
	log.Info("Job finished")
}

func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}
