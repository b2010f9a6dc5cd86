package cmd

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kacper-marzecki/tibidi/logger"
	"github.com/kacper-marzecki/tibidi/transport"
)

var (
	brokerAddr string
	brokerMDNS bool
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a websocket relay broker",
	Long: `Run the relay broker nodes register with. The broker holds no group
state; it only forwards frames between registered peers, so anyone in the
trust circle can host it.

Examples:
  tibidi broker --addr=:7337

  # Also announce the broker on the local network
  tibidi broker --addr=:7337 --mdns`,
	RunE: runBroker,
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	brokerCmd.Flags().StringVar(&brokerAddr, "addr", ":7337", "Address to listen on")
	brokerCmd.Flags().BoolVar(&brokerMDNS, "mdns", false, "Advertise the broker via mDNS")
}

func runBroker(cmd *cobra.Command, args []string) error {
	logger.Init(true, debugLog)

	b := transport.NewBroker(brokerAddr)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	if brokerMDNS {
		_, portStr, err := net.SplitHostPort(b.Addr())
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		shutdown, err := transport.AdvertiseBroker(port)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down...")
	return nil
}
