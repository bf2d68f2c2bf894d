package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/gpteam/gpbot/gpbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := gpbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		credsSet, err := gpbot.AdminCredentialsSet(ctx, db)
		if err != nil {
			return err
		}
		if credsSet {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

		reader := bufio.NewReader(cmd.InOrStdin())

		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)
		if username == "" {
			return errors.New("username must not be empty")
		}

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, e := readPassword()
			if e != nil {
				return fmt.Errorf("error reading password: %w", e)
			}
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmBytes, e := readPassword()
			if e != nil {
				return fmt.Errorf("error reading password: %w", e)
			}
			fmt.Fprintln(out)

			if password != "" && password == string(confirmBytes) {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		if err = gpbot.SetAdminCredentials(ctx, db, username, password); err != nil {
			return fmt.Errorf("error setting admin credentials: %w", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, "Initialization complete. You can now start the bot with the 'run' subcommand.")
		return nil
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(initCmd)
}
