package main

import (
	"fmt"
	"syscall"

	"github.com/dragnet-project/dragnet/internal/approval"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var readToken = term.ReadPassword

var supervisorHashCmd = &cobra.Command{
	Use:   "supervisor-hash [token]",
	Short: "Hash a supervisor override token for the config file",
	Long: `Generate the bcrypt hash of a supervisor override token.

Put the hash in the configuration file as approval.supervisor_token_hash
(or the DRAGNET_SUPERVISOR_TOKEN_HASH environment variable). An operator
presenting the matching token passes the approval gate without a granted
approval.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Print("Enter supervisor token: ")
			raw, err := readToken(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = string(raw)
		}
		if token == "" {
			return fmt.Errorf("token must not be empty")
		}

		hash, err := approval.HashSupervisorToken(token)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}
