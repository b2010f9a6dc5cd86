package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kacper-marzecki/tibidi/logger"
	"github.com/kacper-marzecki/tibidi/node"
	"github.com/kacper-marzecki/tibidi/store"
	"github.com/kacper-marzecki/tibidi/transport"
)

var (
	dbPath    string
	brokerURL string
	joinCode  string
	debugLog  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a headless node",
	Long: `Start a node without a UI. It keeps its groups connected, synced and
persisted; useful as an always-on replica.

Examples:
  # Start against a known broker
  tibidi start --db=tibidi.db --broker=ws://127.0.0.1:7337

  # Find a broker on the local network and join a group
  tibidi start --broker=mdns --join='{"groupId":"…","peerId":"…"}'`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&dbPath, "db", node.DefaultDBPath, "Path of the state database")
	startCmd.Flags().StringVar(&brokerURL, "broker", "ws://127.0.0.1:7337", "Broker URL, or \"mdns\" to discover one on the LAN")
	startCmd.Flags().StringVar(&joinCode, "join", "", "Invite code to join at startup")
	startCmd.Flags().BoolVar(&debugLog, "debug", false, "Verbose logging")
}

func resolveBroker(url string) (string, error) {
	if url != "mdns" {
		return url, nil
	}
	return transport.DiscoverBroker(context.Background(), 10*time.Second)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger.Init(true, debugLog)

	broker, err := resolveBroker(brokerURL)
	if err != nil {
		return err
	}

	st, err := store.OpenBolt(dbPath)
	if err != nil {
		return err
	}

	n, err := node.New(node.DefaultConfig(), st, transport.NewWS(broker))
	if err != nil {
		st.Close()
		return err
	}
	if err := n.Initialize(); err != nil {
		n.Close()
		return err
	}

	if joinCode != "" {
		if _, err := n.JoinGroup(joinCode); err != nil {
			logger.Errorf("join failed: %v", err)
		}
	}
	for _, g := range n.Groups() {
		code, err := n.Invite(g.ID)
		if err != nil {
			continue
		}
		logger.Infof("group %q invite: %s", g.Name, code)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	n.Close()
	return nil
}
