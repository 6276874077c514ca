package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendReplyTo string
	sendWait    time.Duration
)

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID this message replies to")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the transport before queueing")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message",
	Long:  "Send a message to a conversation. When the gateway is unreachable the message is queued in the outbox.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log, os.Stderr)

		a, err := openSession(cfg, cfgPath, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := a.connect(ctx); err != nil {
			return err
		}
		if !a.waitConnected(ctx, sendWait) {
			logger.Info().Msg("gateway not reachable, message will be queued")
		}

		result, err := a.client.SendMessage(ctx, args[0], strings.Join(args[1:], " "), sendReplyTo)
		if err != nil {
			return err
		}

		fmt.Printf("Message ID: %s\n", result.Message.ID)
		fmt.Printf("Status:     %s\n", result.Status)
		if result.Receipt != nil {
			fmt.Printf("Outbox:     %s (queued %s)\n", result.Receipt.EntryID, result.Receipt.QueuedAt.Format(time.RFC3339))
		}
		return nil
	},
}
