package cmd

import (
	"context"
	"fmt"

	"github.com/deemkeen/boardfed/policy"
	"github.com/spf13/cobra"
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage the domain block and allow lists",
	Long: `Rules match the domain and all its subdomains. In blocklist mode every
domain not blocked is reachable; in allowlist mode only allowed domains are.
A running server picks up changes on its next policy reload.`,
}

// domainRuleCmd builds one of the block/unblock/allow/disallow commands.
func domainRuleCmd(use, short string, apply func(c *policy.Cache, ctx context.Context, domain string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <domain>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPolicy(cmd.Context(), func(c *policy.Cache) error {
				if err := apply(c, cmd.Context(), args[0]); err != nil {
					return err
				}
				d, _ := policy.Normalize(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, d)
				return nil
			})
		},
	}
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the policy mode and rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPolicy(cmd.Context(), func(c *policy.Cache) error {
			out := cmd.OutOrStdout()
			blocked, allowed := c.List()
			fmt.Fprintf(out, "mode: %s\n", c.Mode())
			for _, d := range blocked {
				fmt.Fprintf(out, "block %s\n", d)
			}
			for _, d := range allowed {
				fmt.Fprintf(out, "allow %s\n", d)
			}
			return nil
		})
	},
}

var domainModeCmd = &cobra.Command{
	Use:       "mode <blocklist|allowlist>",
	Short:     "Switch between blocklist and allowlist mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(policy.ModeBlocklist), string(policy.ModeAllowlist)},
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := policy.ParseMode(args[0])
		if err != nil {
			return err
		}
		return withPolicy(cmd.Context(), func(c *policy.Cache) error {
			if err := c.SetMode(cmd.Context(), mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\n", mode)
			return nil
		})
	},
}

func withPolicy(ctx context.Context, f func(c *policy.Cache) error) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	c, err := loadPolicy(ctx, database)
	if err != nil {
		return err
	}
	return f(c)
}

func init() {
	domainCmd.AddCommand(
		domainRuleCmd("block", "Block a domain", (*policy.Cache).Block),
		domainRuleCmd("unblock", "Remove a block", (*policy.Cache).Unblock),
		domainRuleCmd("allow", "Allow a domain in allowlist mode", (*policy.Cache).Allow),
		domainRuleCmd("disallow", "Remove an allow rule", (*policy.Cache).Disallow),
		domainListCmd,
		domainModeCmd,
	)
}
