package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/console"
)

// newServeCmd creates the `zapdesk serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the support console daemon",
		Long: `Start ZapDesk as a daemon: connects to WhatsApp, runs the triage
bot, and serves the attendant HTTP API.

Examples:
  zapdesk serve
  zapdesk serve --config ./config.yaml
  zapdesk serve --show-qr`,
		RunE: runServe,
	}

	cmd.Flags().Bool("show-qr", false, "print QR login codes to the terminal")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	c, err := console.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building console: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	if showQR, _ := cmd.Flags().GetBool("show-qr"); showQR {
		qrCh, unsubscribe := c.WhatsApp().SubscribeQR()
		defer unsubscribe()
		go func() {
			for evt := range qrCh {
				switch evt.Type {
				case "code":
					fmt.Printf("\nQR code:\n%s\n\n", evt.Code)
				default:
					fmt.Println(evt.Message)
				}
			}
		}()
	}

	logger.Info("ZapDesk running. Press Ctrl+C to stop.",
		"company", cfg.CompanyName,
		"api", cfg.API.Address,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out, exiting")
	}
	return nil
}
