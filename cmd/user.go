package cmd

import (
	"errors"
	"fmt"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/db"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage local actors",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a local actor with a fresh RSA keypair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		displayName, err := cmd.Flags().GetString("name")
		if err != nil {
			return err
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		acc, err := activitypub.CreateLocalActor(cmd.Context(), database, conf.Conf.SslDomain, args[0], displayName)
		if errors.Is(err, db.ErrDuplicate) {
			return fmt.Errorf("user %s already exists", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\nkeyId %s\n", acc.ActorURI, acc.KeyID())
		return nil
	},
}

func init() {
	userAddCmd.Flags().String("name", "", "display name")
	userCmd.AddCommand(userAddCmd)
}
