package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether vaultd is up and unlocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := vc.Health(cmd.Context())
			if err != nil {
				return err
			}
			state := "locked"
			if h.Unlocked {
				state = "unlocked"
			}
			fmt.Printf("vaultd %s, vault %s\n", h.Status, state)
			if exp := vc.Tokens().ExpiresAt; !exp.IsZero() {
				fmt.Printf("session token expires %s\n", exp.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the vault (creates it on first use)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := promptSecret("Master passphrase: ")
			if err != nil {
				return err
			}
			defer zero(pass)
			if err := vc.Unlock(cmd.Context(), pass); err != nil {
				return err
			}
			if err := saveTokens(vc.Tokens()); err != nil {
				return err
			}
			fmt.Println("unlocked")
			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the vault and revoke every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vc.Lock(cmd.Context()); err != nil {
				return err
			}
			clearTokens()
			fmt.Println("locked")
			return nil
		},
	}
}

func passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the master passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := promptSecret("New passphrase: ")
			if err != nil {
				return err
			}
			defer zero(pass)
			again, err := promptSecret("Repeat: ")
			if err != nil {
				return err
			}
			defer zero(again)
			if string(pass) != string(again) {
				return fmt.Errorf("passphrases differ")
			}
			if err := vc.UpdatePassphrase(cmd.Context(), pass); err != nil {
				return err
			}
			fmt.Println("passphrase updated")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print the server's audit chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, ok, err := vc.Audit(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Time", "Event", "Hash"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, e := range entries {
				h := e.Hash
				if len(h) > 12 {
					h = h[:12]
				}
				table.Append([]string{time.Unix(e.TS, 0).Local().Format(time.DateTime), e.What, h})
			}
			table.Render()
			if !ok {
				return fmt.Errorf("audit chain does not verify")
			}
			return nil
		},
	}
}
