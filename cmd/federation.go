package cmd

import (
	"errors"
	"fmt"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/db"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <actor-uri>",
	Short: "Fetch a remote actor through the cache and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, err := cmd.Flags().GetBool("refresh")
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		resolve := a.resolver.Resolve
		if refresh {
			resolve = a.resolver.Refresh
		}
		actor, err := resolve(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:           %s\n", actor.ActorURI)
		fmt.Fprintf(out, "type:         %s\n", actor.Kind)
		fmt.Fprintf(out, "handle:       %s@%s\n", actor.Handle, actor.Domain)
		fmt.Fprintf(out, "name:         %s\n", actor.DisplayName)
		fmt.Fprintf(out, "inbox:        %s\n", actor.InboxURI)
		fmt.Fprintf(out, "shared inbox: %s\n", actor.SharedInboxURI)
		fmt.Fprintf(out, "key:          %s\n", actor.KeyID)
		fmt.Fprintf(out, "fetched:      %s\n", actor.FetchedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <username> <actor-uri>",
	Short: "Follow an actor as a local user",
	Long:  `Records a pending follow and queues the Follow activity. The edge becomes accepted when the remote server answers.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		undo, err := cmd.Flags().GetBool("undo")
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		local, err := a.db.ReadLocalActorByUsername(cmd.Context(), args[0])
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("no local user %s", args[0])
		}
		if err != nil {
			return err
		}

		if undo {
			if err := a.outbox.Unfollow(cmd.Context(), local, args[1]); err != nil {
				return fmt.Errorf("unfollow %s: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s no longer follows %s\n", local.Username, args[1])
			return nil
		}

		edge, err := a.outbox.Follow(cmd.Context(), local, args[1])
		if errors.Is(err, activitypub.ErrDomainBlocked) {
			return fmt.Errorf("%s is blocked by the domain policy", args[1])
		}
		if err != nil {
			return fmt.Errorf("follow %s: %w", args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s: %s (%s)\n", local.Username, edge.FollowedURI, edge.State, edge.ActivityURI)
		return nil
	},
}

func init() {
	resolveCmd.Flags().Bool("refresh", false, "ignore the cached copy")
	followCmd.Flags().Bool("undo", false, "unfollow instead")
}
