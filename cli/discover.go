package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"campuslink/discovery"
)

var (
	discoverTimeout time.Duration
	discoverWatch   bool

	announceID        string
	announceName      string
	announcePort      int
	announceTransport string
	announcePath      string
	announceTLS       bool
)

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultScanTimeout, "How long to listen for announcements")
	discoverCmd.Flags().BoolVar(&discoverWatch, "watch", false, "Keep scanning and print changes until interrupted")

	announceCmd.Flags().StringVar(&announceID, "id", "", "Gateway ID")
	announceCmd.Flags().StringVar(&announceName, "name", "", "Instance name (defaults to the host name)")
	announceCmd.Flags().IntVar(&announcePort, "port", 0, "Gateway port")
	announceCmd.Flags().StringVar(&announceTransport, "transport", discovery.TransportWebsocket, "Transport: websocket or nats")
	announceCmd.Flags().StringVar(&announcePath, "path", "", "Websocket path")
	announceCmd.Flags().BoolVar(&announceTLS, "tls", false, "Gateway requires TLS")
	_ = announceCmd.MarkFlagRequired("id")
	_ = announceCmd.MarkFlagRequired("port")

	discoverCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(discoverCmd)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find realtime gateways on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := discovery.Config{ScanTimeout: discoverTimeout}
		if !discoverWatch {
			gateways, err := discovery.Scan(context.Background(), cfg)
			if err != nil {
				return err
			}
			if len(gateways) == 0 {
				return discovery.ErrNoGateway
			}
			return printGateways(gateways)
		}

		scanner, err := discovery.NewScanner(cfg)
		if err != nil {
			return err
		}
		scanner.Start()
		defer scanner.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-scanner.Events():
				if !ok {
					return nil
				}
				switch event.Type {
				case discovery.EventGatewayUpserted:
					fmt.Printf("+ %s %s (%s)\n", event.Gateway.ID, event.Gateway.URL(), event.Gateway.Name)
				case discovery.EventGatewayRemoved:
					fmt.Printf("- %s\n", event.Gateway.ID)
				}
			}
		}
	},
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Announce a gateway on the local network until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := announceName
		if name == "" {
			host, err := os.Hostname()
			if err != nil || host == "" {
				return errors.New("--name is required when the host name is unknown")
			}
			name = host
		}

		broadcaster, err := discovery.Announce(discovery.Config{
			GatewayID:    announceID,
			InstanceName: name,
			Port:         announcePort,
			Transport:    strings.ToLower(announceTransport),
			Path:         announcePath,
			TLS:          announceTLS,
		})
		if err != nil {
			return err
		}
		defer broadcaster.Stop()

		fmt.Printf("Announcing %s on port %d\n", announceID, announcePort)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func printGateways(gateways []discovery.Gateway) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tURL")
	for _, gateway := range gateways {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", gateway.ID, gateway.Name, gateway.Version, gateway.URL())
	}
	return w.Flush()
}
