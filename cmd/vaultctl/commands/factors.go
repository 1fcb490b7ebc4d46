package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func factorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factor",
		Short: "Inspect or change a credential's extra authentication",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show the active factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := vc.ExtraAuth(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(kind)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "set <id> <none|pin|passkey|passphrase>",
		Short:     "Switch the active factor; pin and passkey must be set up first",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"none", "pin", "passkey", "passphrase"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vc.SetExtraAuth(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println(args[0], "now requires", args[1])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Drop the active factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return vc.RemoveExtraAuth(cmd.Context(), args[0])
		},
	})
	return cmd
}

func pinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin",
		Short: "Manage a credential's 4-digit PIN",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <id>",
		Short: "Set or replace the PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := promptSecret("PIN: ")
			if err != nil {
				return err
			}
			defer zero(pin)
			return vc.SetPin(cmd.Context(), args[0], pin)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Delete the PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return vc.DeletePin(cmd.Context(), args[0])
		},
	})
	return cmd
}

func otpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otp",
		Short: "Manage one-time code generators",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id>",
		Short: "Register a base32 seed for a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := promptSecret("Base32 seed: ")
			if err != nil {
				return err
			}
			defer zero(seed)
			return vc.RegisterAuthenticator(cmd.Context(), args[0], string(seed))
		},
	})
	var at string
	code := &cobra.Command{
		Use:   "code <id>",
		Short: "Print the current code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, remaining, err := vc.Code(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%ds left)\n", c, remaining)
			return nil
		},
	}
	code.Flags().StringVar(&at, "at", "", "unix seconds, milliseconds or RFC 3339 (default now)")
	cmd.AddCommand(code)
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove the generator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return vc.RemoveAuthenticator(cmd.Context(), args[0])
		},
	})
	return cmd
}
