package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"mailsync/internal/models"
	"mailsync/internal/services"

	"github.com/spf13/cobra"
)

var newAccount services.NewAccount

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Register, list, test and remove mail accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a password-authenticated account",
	Long:  "Registers an account. The password is read from --password or MAILSYNC_ACCOUNT_PASSWORD and stored encrypted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if newAccount.Password == "" {
			newAccount.Password = os.Getenv("MAILSYNC_ACCOUNT_PASSWORD")
		}
		return withApp(func(ctx context.Context, a *app) error {
			account, err := a.accounts.Create(ctx, newAccount)
			if err != nil {
				return err
			}
			return printJSON(account)
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			accounts, err := a.accounts.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(accounts)
		})
	},
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an account with its messages and sync history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccountID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.accounts.Remove(ctx, id); err != nil {
				return err
			}
			a.logger.Info("Account %d removed", id)
			return nil
		})
	},
}

var accountTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Log in with the stored credentials and list folders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccountID(args[0])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			result, err := a.accounts.TestConnection(ctx, id)
			if err != nil {
				return err
			}
			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("connection test failed for account %d", id)
			}
			return nil
		})
	},
}

func parseAccountID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid account ID %q", raw)
	}
	return uint(id), nil
}

func init() {
	flags := accountAddCmd.Flags()
	flags.StringVar(&newAccount.Email, "email", "", "mailbox address")
	flags.StringVar(&newAccount.Password, "password", "", "login password or app password")
	flags.StringVar((*string)(&newAccount.Provider), "provider", string(models.ProviderIMAP), "imap, gmail or outlook")
	flags.StringVar(&newAccount.Host, "host", "", "IMAP host (required for imap)")
	flags.IntVar(&newAccount.Port, "port", 993, "IMAP port")
	flags.BoolVar(&newAccount.Secure, "secure", true, "use implicit TLS")
	flags.StringVar(&newAccount.Username, "username", "", "login name when it differs from the address")
	flags.StringVar(&newAccount.Proxy, "proxy", "", "proxy URL, socks5:// or http://")
	flags.StringVar(&newAccount.UserID, "user", "local", "owning user id")
	_ = accountAddCmd.MarkFlagRequired("email")

	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountRemoveCmd, accountTestCmd)
}
