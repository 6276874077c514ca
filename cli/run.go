package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"campuslink/calls"
	"campuslink/models"
	"campuslink/outbox"
	"campuslink/reconcile"
	"campuslink/status"
)

var runStatusAddr string

func init() {
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Address of the local status endpoint (empty uses status.addr)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and stay online",
	Long: "Connect to the realtime gateway, keep unread counters reconciled, replay the outbox " +
		"and serve health and metrics locally until interrupted. SIGUSR1 forces an outbox flush.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log, os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openSession(cfg, cfgPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn().Err(err).Msg("shutdown")
			}
		}()

		if err := a.connect(ctx); err != nil {
			return err
		}
		client := a.client

		defer client.OnMessageReceived(func(msg models.InboundMessage) {
			base := msg.Base()
			a.logger.Info().
				Str("conversation_id", base.ConversationID).
				Str("sender_id", base.SenderID).
				Str("kind", string(msg.Kind())).
				Msg("message received")
		})()
		defer client.OnUnreadChanged(func(change reconcile.Change) {
			a.logger.Info().Str("conversation_id", change.ConversationID).Int("unread", change.Unread).Int("badge", change.Badge).Msg("unread changed")
		})()
		defer client.OnSendFailed(func(notice outbox.DroppedNotice) {
			a.logger.Warn().Str("entry_id", notice.Entry.EntryID).Str("reason", notice.Reason).Msg("queued message dropped")
		})()
		defer client.OnCallStateChanged(func(session calls.Session) {
			a.logger.Info().Str("call_id", session.CallID).Str("peer_id", session.PeerID).Str("state", string(session.State)).Msg("call state")
		})()

		addr := runStatusAddr
		if addr == "" {
			addr = cfg.Status.Addr
		}
		server, bound, err := status.Listen(addr, status.Options{
			Outbox:    client.Outbox(),
			Connected: a.transport.Connected,
			Badge:     client.Badge,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()

		a.logger.Info().Str("status_addr", bound.String()).Msg("campuslink running")
		<-ctx.Done()
		a.logger.Info().Msg("shutting down")
		return nil
	},
}
