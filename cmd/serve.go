package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mailer/app/controller"
	grpcserver "github.com/vibast-solutions/ms-go-mailer/app/grpc"
	"github.com/vibast-solutions/ms-go-mailer/app/metrics"
	"github.com/vibast-solutions/ms-go-mailer/app/queue"
	"github.com/vibast-solutions/ms-go-mailer/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start the HTTP (Echo) and gRPC servers that accept messages for asynchronous delivery.",
	Run:   runServe,
}

// init registers the serve command.
func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires dependencies and starts HTTP and gRPC servers.
func runServe(_ *cobra.Command, _ []string) {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := newEngine(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to start delivery engine: %v", err)
	}
	go eng.reportStoreErrors(ctx)

	mailController := controller.NewMailController(eng.delivery, nil)
	if eng.rdb != nil {
		mailController = controller.NewMailController(eng.delivery, queue.NewOutboundProducer(eng.rdb))
	}

	e := setupHTTPServer(mailController)

	grpcServer, healthServer := setupGRPCServer(grpcserver.NewServer(eng.delivery))
	grpcAddr := net.JoinHostPort(cfg.GRPCHost, cfg.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("Failed to listen on gRPC port: %v", err)
	}

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTPHost, cfg.HTTPPort)
		log.Infof("Starting HTTP server on %s", httpAddr)
		if err := e.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	go func() {
		log.Infof("Starting gRPC server on %s", lis.Addr())
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := shutdownContext(cfg)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP shutdown error")
	}
	healthServer.Shutdown()
	grpcServer.GracefulStop()
	cancel()
	eng.close(shutdownCtx)

	log.Info("Server stopped")
}

// setupHTTPServer configures the Echo HTTP server and routes.
func setupHTTPServer(mailController *controller.MailController) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.BodyLimit("12M"))

	mail := e.Group("/mail")
	mail.POST("/deliver", mailController.Deliver)
	mail.POST("/enqueue", mailController.Enqueue)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return e
}


// setupGRPCServer builds the gRPC server with the mailer and health services.
func setupGRPCServer(mailServer *grpcserver.Server) (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	healthServer := grpcserver.Register(grpcServer, mailServer)
	return grpcServer, healthServer
}
