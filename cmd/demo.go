package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kacper-marzecki/tibidi/logger"
	"github.com/kacper-marzecki/tibidi/node"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run three in-process nodes and watch them converge",
	Long: `Spin up three nodes on an in-memory fabric, have one create a group
and the other two join via its invite, exchange a few messages and print the
identical logs each node ends up with.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger.Init(true, debugLog)

	mgr := node.NewManager()
	defer mgr.StopAll()

	cfg := func() *node.Config {
		c := node.DefaultConfig()
		c.Tick = 200 * time.Millisecond
		return c
	}

	alice, err := mgr.NewNode(cfg())
	if err != nil {
		return err
	}
	bob, err := mgr.NewNode(cfg())
	if err != nil {
		return err
	}
	carol, err := mgr.NewNode(cfg())
	if err != nil {
		return err
	}

	g, err := alice.CreateGroup("demo")
	if err != nil {
		return err
	}
	invite, err := alice.Invite(g.ID)
	if err != nil {
		return err
	}
	fmt.Printf("invite: %s\n\n", invite)

	if _, err := bob.JoinGroup(invite); err != nil {
		return err
	}
	if _, err := carol.JoinGroup(invite); err != nil {
		return err
	}
	time.Sleep(time.Second)

	alice.SendMessage(g.ID, "hello everyone")
	bob.SendMessage(g.ID, "hi!")
	carol.SendMessage(g.ID, "good to be here")
	time.Sleep(time.Second)

	for name, n := range map[string]*node.Node{"alice": alice, "bob": bob, "carol": carol} {
		msgs, err := n.ChatMessages(g.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s sees %d messages:\n", name, len(msgs))
		for _, m := range msgs {
			fmt.Printf("  %s: %s\n", m.Author, m.Text)
		}
		fmt.Println()
	}
	return nil
}
