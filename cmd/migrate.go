package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
	"github.com/vibast-solutions/ms-go-mailer/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the delayed_jobs table",
	Long:  "Create the delayed_jobs table in the configured store if it does not exist.",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	ctx := context.Background()
	db, dialect, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	if err := repository.EnsureSchema(ctx, db, dialect); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.WithField("dialect", dialect).Info("Schema up to date")
}
