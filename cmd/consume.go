package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mailer/app/queue"
	"github.com/vibast-solutions/ms-go-mailer/config"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume queued messages",
	Long:  "Consume queued messages from Redis streams.",
}

// init registers consume subcommands.
func init() {
	consumeCmd.AddCommand(consumeMessagesCmd)
	rootCmd.AddCommand(consumeCmd)
}

var consumeMessagesCmd = &cobra.Command{
	Use:   "messages [consumer_name]",
	Short: "Start the outbound message consumer",
	Long:  "Start a worker that reads composed messages from the Redis stream and hands them to the delivery engine.",
	Args:  cobra.ExactArgs(1),
	Run:   runConsumeMessages,
}

// runConsumeMessages starts the outbound stream consumer.
func runConsumeMessages(_ *cobra.Command, args []string) {
	consumerName := args[0]

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is required to consume messages")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := newEngine(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to start delivery engine: %v", err)
	}
	go eng.reportStoreErrors(ctx)

	consumer := queue.NewOutboundConsumer(eng.rdb, eng.delivery, consumerName, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Received shutdown signal, stopping consumer...")
		cancel()
	}()

	runErr := consumer.Run(ctx)

	shutdownCtx, shutdownCancel := shutdownContext(cfg)
	defer shutdownCancel()
	eng.close(shutdownCtx)

	if runErr != nil {
		log.Fatalf("Consumer error: %v", runErr)
	}
	log.Info("Consumer stopped")
}
