package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/philsphicas/p2pcam/internal/auth"
	"github.com/philsphicas/p2pcam/internal/config"
	"github.com/philsphicas/p2pcam/internal/credstore"
	"github.com/spf13/cobra"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the camera's credential store",
	}
	cmd.PersistentFlags().String("credentials", "", "credential store (default: credentials.yaml next to the config file)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tACCESS\tPASSWORD")
			for _, u := range store.Users() {
				access := u.Access
				if access == "" {
					access = "undecided"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\n", u.Name, access, u.HasShadow)
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(accessCmd("allow", "Grant a user access", auth.Granted))
	cmd.AddCommand(accessCmd("trust", "Grant a user access without a password check", auth.Trusted))
	cmd.AddCommand(accessCmd("deny", "Deny a user", auth.Denied))
	cmd.AddCommand(&cobra.Command{
		Use:   "passwd <user>",
		Short: "Set a user's password from P2PCAM_PASSWORD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(passwordEnv)
			if password == "" {
				return fmt.Errorf("password is required: set %s", passwordEnv)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.SetShadow(args[0], auth.DeriveShadow(args[0], password))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <user>",
		Short: "Forget a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	})
	return cmd
}

func accessCmd(use, short string, d auth.Decision) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.SetAccess(args[0], d)
		},
	}
}

func openStore(cmd *cobra.Command) (*credstore.Store, error) {
	file, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	path := config.String(cmd.Flags(), "credentials", file.Serve.Credentials)
	if path == "" {
		path = defaultCredentialsPath()
	}
	if path == "" {
		return nil, fmt.Errorf("no credential store: use --credentials")
	}
	return credstore.Open(credstore.Config{Path: path, Logger: resolveLogger(cmd, file)})
}
