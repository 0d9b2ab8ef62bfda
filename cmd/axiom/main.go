// Command axiom runs the voice assistant server: an inbound conversational
// line plus outbound deliver-message and business-proposal workflows.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/axiomvoice/axiom/archive"
	"github.com/axiomvoice/axiom/config"
	"github.com/axiomvoice/axiom/conversation"
	"github.com/axiomvoice/axiom/dialogue"
	"github.com/axiomvoice/axiom/dialogue/openai"
	"github.com/axiomvoice/axiom/model"
	"github.com/axiomvoice/axiom/server"
	"github.com/axiomvoice/axiom/store"
	"github.com/axiomvoice/axiom/telephony"
	"github.com/axiomvoice/axiom/workflow"
)

const (
	janitorInterval = time.Minute
	shutdownGrace   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "axiom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	arc, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		return err
	}
	defer arc.Close()

	gateway, err := telephony.NewTwilioGateway(
		cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioNumber,
		telephony.WithTwilioLogger(logger.Named("telephony")),
	)
	if err != nil {
		return err
	}

	completer, err := openai.New(cfg.OpenAIKey)
	if err != nil {
		return err
	}

	sessions := store.NewSessions(
		store.WithTTL(cfg.SessionTTL),
		store.WithLogger(logger.Named("sessions")),
		store.WithEvictFunc(func(s model.CallSession) {
			if err := arc.SaveSession(s); err != nil {
				logger.Warn("session archive failed",
					zap.String("call_sid", s.CallSID), zap.Error(err))
			}
		}),
	)
	workflows := store.NewWorkflows(
		store.WithWorkflowLogger(logger.Named("workflows")),
		store.WithWorkflowEvictFunc(func(wf model.Workflow) {
			if err := arc.SaveWorkflow(wf); err != nil {
				logger.Warn("stale workflow archive failed",
					zap.String("workflow_id", wf.ID), zap.Error(err))
			}
		}),
	)

	dlg := dialogue.NewEngine(completer, sessions,
		dialogue.WithLogger(logger.Named("dialogue")))
	conv := conversation.NewEngine(sessions, dlg, cfg.PublicBaseURL,
		conversation.WithMaxReprompts(cfg.MaxReprompts),
		conversation.WithLogger(logger.Named("conversation")))
	orch := workflow.NewOrchestrator(workflows, gateway, dlg, cfg.PublicBaseURL,
		workflow.WithArchiver(arc),
		workflow.WithLogger(logger.Named("workflow")))

	srv := server.New(conv, orch, dlg, gateway, sessions, workflows, logger.Named("http"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sessions.RunJanitor(ctx, janitorInterval)
	go workflows.RunJanitor(ctx, janitorInterval)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
