package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"campuslink/crypto"
	"campuslink/models"
	"campuslink/storage"
)

var (
	eventsType         string
	eventsConversation string
	eventsSeverity     string
	eventsSince        time.Duration
	eventsLimit        int
)

func init() {
	keysEventsCmd.Flags().StringVar(&eventsType, "type", "", "Only events of this type, e.g. key_exchange_failed")
	keysEventsCmd.Flags().StringVar(&eventsConversation, "conversation", "", "Only events of this conversation")
	keysEventsCmd.Flags().StringVar(&eventsSeverity, "severity", "", "Only events of this severity: info, warning or critical")
	keysEventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this")
	keysEventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Maximum number of events to show")

	keysCmd.AddCommand(keysInitCmd, keysShowCmd, keysEventsCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage device keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create device keys if missing and publish them to the message-store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openOffline()
		if err != nil {
			return err
		}
		defer a.Close()

		signing, exchange := a.device.EncodedPublicKeys()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = a.store.PublishIdentityKeys(ctx, models.IdentityKeys{
			IdentityID:       a.identity.ID,
			Ed25519PublicKey: signing,
			X25519PublicKey:  exchange,
			KeyFingerprint:   a.device.Fingerprint(),
		})
		if err != nil {
			return fmt.Errorf("publish keys: %w", err)
		}
		fmt.Printf("Published keys for %s\n", a.identity.ID)
		fmt.Printf("Fingerprint: %s\n", a.device.Fingerprint())
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this device's public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		device, err := crypto.EnsureDeviceKeys(cfg.KeysDir)
		if err != nil {
			return err
		}
		signing, exchange := device.EncodedPublicKeys()
		fmt.Fprintf(os.Stdout, "Device ID:   %s\n", cfg.DeviceID)
		fmt.Fprintf(os.Stdout, "Device Name: %s\n", cfg.DeviceName)
		fmt.Fprintf(os.Stdout, "Config File: %s\n", cfgPath)
		fmt.Fprintf(os.Stdout, "Ed25519:     %s\n", signing)
		fmt.Fprintf(os.Stdout, "X25519:      %s\n", exchange)
		fmt.Fprintf(os.Stdout, "Fingerprint: %s\n", device.Fingerprint())
		return nil
	},
}

var keysEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded key exchange and fingerprint events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		local, err := openLocal(cfg, cfgPath, newLogger(cfg.Log, os.Stderr))
		if err != nil {
			return err
		}
		defer local.Close()

		filter := storage.SecurityEventFilter{
			EventType:      eventsType,
			ConversationID: eventsConversation,
			Severity:       eventsSeverity,
			Limit:          eventsLimit,
		}
		if eventsSince > 0 {
			from := time.Now().Add(-eventsSince).UnixMilli()
			filter.FromTimestamp = &from
		}
		events, err := local.GetSecurityEvents(filter)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No security events.")
			return nil
		}
		return printSecurityEvents(os.Stdout, events)
	},
}

func printSecurityEvents(out io.Writer, events []storage.SecurityEvent) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tSEVERITY\tTYPE\tCONVERSATION\tDETAILS")
	for _, event := range events {
		conversation := "-"
		if event.ConversationID != nil && *event.ConversationID != "" {
			conversation = *event.ConversationID
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			event.ID, time.UnixMilli(event.Timestamp).Format(time.RFC3339),
			event.Severity, event.EventType, conversation, event.Details)
	}
	return w.Flush()
}
