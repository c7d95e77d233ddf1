package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/credential"
)

// OpenStore opens the keyring the credentials subcommands operate on.
type OpenStore func() (*credential.Store, error)

// NewCredentialsCommand returns the credentials subcommand with its set and
// delete children. Values are read from stdin so they stay out of the shell
// history.
func NewCredentialsCommand(open OpenStore) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage secrets stored in the system keyring",
	}

	setCmd := &cobra.Command{
		Use:       "set [key]",
		Short:     "Store a secret read from stdin",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{credential.KeyIMAPPassword, credential.KeyTelegramToken},
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !credential.Known(key) {
				return fmt.Errorf("unknown credential key %q (use %s or %s)", key, credential.KeyIMAPPassword, credential.KeyTelegramToken)
			}

			value, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}

			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Set(key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", key)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:       "delete [key]",
		Short:     "Remove a secret from the keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{credential.KeyIMAPPassword, credential.KeyTelegramToken},
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !credential.Known(key) {
				return fmt.Errorf("unknown credential key %q", key)
			}

			store, err := open()
			if err != nil {
				return err
			}
			if err := store.Delete(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
			return nil
		},
	}

	credentialsCmd.AddCommand(setCmd, deleteCmd)
	return credentialsCmd
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("secret is empty")
	}
	return value, nil
}
