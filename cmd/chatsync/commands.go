package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <message>",
	Short: "Send a single message and wait for the relay to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient()
		if err != nil {
			return err
		}
		defer c.Close()

		peer := args[0]
		c.store.SendMessage(peer, strings.Join(args[1:], " "))
		c.store.Wait()
		if c.store.RolledBackSends() > 0 {
			return errors.New("message was not accepted by the relay")
		}

		for _, message := range c.store.Conversation(peer) {
			if message.SenderID == c.userID && !message.IsOptimistic() {
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", message.ID)
				return nil
			}
		}
		return errors.New("message was not accepted by the relay")
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient()
		if err != nil {
			return err
		}
		defer c.Close()

		c.store.LoadHistory(args[0])
		c.store.Wait()

		view := newTranscript(cmd.OutOrStdout(), c.userID)
		view.printConversation(c.store.Conversation(args[0]))
		return nil
	},
}
