// Package console wires every component into a running support console:
// store, session registry, bot flow engine, LLM client, inbound
// dispatcher, outbound queue, WhatsApp transport, attendant layer, HTTP
// API and scheduled maintenance.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/api"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/attendant"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/config"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/dispatch"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/flow"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/history"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/llm"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/outbound"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/store"
	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport/whatsapp"
)

// Console is the assembled application.
type Console struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	registry   *session.Registry
	llm        *llm.Client
	engine     *flow.Engine
	outbound   *outbound.Queue
	dispatcher *dispatch.Dispatcher
	merger     *history.Merger
	actions    *attendant.Actions
	accounts   *attendant.Manager
	whatsapp   *whatsapp.WhatsApp
	api        *api.Server
	cron       *cron.Cron

	cancel context.CancelFunc
}

// New builds the full component graph. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Console, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	graph := flow.DefaultGraph()
	if cfg.Registry.InitialState == "" {
		cfg.Registry.InitialState = graph.Initial
	}
	reg := session.NewRegistry(cfg.Registry, st, logger)

	llmClient := llm.NewClient(cfg.LLM, logger)
	engine := flow.NewEngine(graph, cfg.Flow, reg, llmClient, logger)

	wa := whatsapp.New(cfg.WhatsApp, logger)
	out := outbound.New(cfg.Outbound, wa, logger)
	disp := dispatch.New(cfg.Dispatch, reg, engine, out, llmClient, logger)

	merger := history.NewMerger(reg)
	actions := attendant.NewActions(reg, out, logger)
	accounts := attendant.NewManager(st, logger)

	apiSrv := api.New(cfg.API, reg, merger, actions, accounts, wa, logger)

	c := &Console{
		cfg:        cfg,
		logger:     logger.With("component", "console"),
		store:      st,
		registry:   reg,
		llm:        llmClient,
		engine:     engine,
		outbound:   out,
		dispatcher: disp,
		merger:     merger,
		actions:    actions,
		accounts:   accounts,
		whatsapp:   wa,
		api:        apiSrv,
		cron:       cron.New(),
	}

	// Successful sends advance the message's delivery status and record
	// the wire id for later edits.
	out.SetAck(func(userID string, seq int64, transportID string) {
		_ = reg.Update(userID, func(s *session.Session, _ session.Ownership) {
			if m := s.FindBySeq(seq); m != nil {
				m.Status = session.StatusSent
				m.TransportID = transportID
			}
		})
	})

	// Delivery and read receipts map back onto the log by wire id.
	wa.SetReceiptHandler(func(userID string, transportIDs []string, status session.DeliveryStatus) {
		_ = reg.Update(userID, func(s *session.Session, _ session.Ownership) {
			for _, id := range transportIDs {
				for i := range s.MessageLog {
					if s.MessageLog[i].TransportID == id {
						s.MessageLog[i].Status = status
					}
				}
			}
		})
	})

	return c, nil
}

// Registry exposes the session registry, mainly for CLI subcommands.
func (c *Console) Registry() *session.Registry { return c.registry }

// Accounts exposes the attendant account manager.
func (c *Console) Accounts() *attendant.Manager { return c.accounts }

// WhatsApp exposes the transport for QR subscription during login.
func (c *Console) WhatsApp() *whatsapp.WhatsApp { return c.whatsapp }

// Start loads persisted state and brings every component up.
func (c *Console) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.registry.Load(ctx); err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	if err := c.accounts.Load(ctx); err != nil {
		return fmt.Errorf("loading attendants: %w", err)
	}

	c.dispatcher.Start(ctx)
	go c.outbound.Run(ctx)

	if err := c.whatsapp.Connect(ctx); err != nil {
		// The console still serves the API and retries in background;
		// attendants can see the connection state and the QR code.
		c.logger.Warn("whatsapp connection failed, continuing without transport", "error", err)
	}
	go c.pumpEvents(ctx)

	if c.cfg.FlushSchedule != "" {
		if _, err := c.cron.AddFunc(c.cfg.FlushSchedule, c.registry.Flush); err != nil {
			return fmt.Errorf("scheduling flush: %w", err)
		}
		c.cron.Start()
	}

	if err := c.api.Start(ctx); err != nil {
		return fmt.Errorf("starting api: %w", err)
	}

	c.logger.Info("console started", "company", c.cfg.CompanyName)
	return nil
}

// pumpEvents feeds transport events into the dispatcher.
func (c *Console) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.whatsapp.Events():
			if !ok {
				return
			}
			c.dispatcher.HandleInbound(dispatch.Inbound{
				UserID:   evt.UserID,
				UserName: evt.UserName,
				Text:     evt.Text,
				File:     evt.File,
				Reply:    evt.Reply,
			})
		}
	}
}

// Stop shuts everything down in reverse order, flushing state last.
func (c *Console) Stop() {
	c.logger.Info("console stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.api.Stop(shutdownCtx)

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.dispatcher.Wait()
	_ = c.whatsapp.Disconnect()

	c.registry.Flush()
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing store", "error", err)
	}
	c.logger.Info("console stopped")
}
