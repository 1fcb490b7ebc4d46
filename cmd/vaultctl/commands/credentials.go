package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials (secrets are never shown)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := vc.ListCredentials(cmd.Context(), domain)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Domain", "Username", "Extra Auth", "Updated"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, c := range creds {
				table.Append([]string{
					c.ID, c.Domain, c.Username, c.ExtraAuth,
					time.Unix(c.Updated, 0).Local().Format(time.DateTime),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only credentials for this domain")
	return cmd
}

func addCmd() *cobra.Command {
	var domain, user, gen string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := secretFor(gen)
			if err != nil {
				return err
			}
			defer zero(secret)
			c, err := vc.AddCredential(cmd.Context(), domain, user, secret)
			if err != nil {
				return err
			}
			fmt.Println("added", c.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "site the credential belongs to")
	cmd.Flags().StringVar(&user, "user", "", "username")
	cmd.Flags().StringVar(&gen, "gen", "", "generate the secret instead of prompting (gen:N or N)")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func getCmd() *cobra.Command {
	var askPin, askPass bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Reveal a credential's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin, pass []byte
			var err error
			if askPin {
				if pin, err = promptSecret("PIN: "); err != nil {
					return err
				}
				defer zero(pin)
			}
			if askPass {
				if pass, err = promptSecret("Master passphrase: "); err != nil {
					return err
				}
				defer zero(pass)
			}
			secret, err := vc.RevealSecret(cmd.Context(), args[0], pin, pass)
			if err != nil {
				return err
			}
			defer zero(secret)
			fmt.Println(string(secret))
			return nil
		},
	}
	cmd.Flags().BoolVar(&askPin, "pin", false, "prompt for the credential's PIN")
	cmd.Flags().BoolVar(&askPass, "passphrase", false, "prompt for the master passphrase")
	return cmd
}

func setSecretCmd() *cobra.Command {
	var gen string
	cmd := &cobra.Command{
		Use:   "setsecret <id>",
		Short: "Replace a credential's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := secretFor(gen)
			if err != nil {
				return err
			}
			defer zero(secret)
			if err := vc.UpdateCredential(cmd.Context(), args[0], secret); err != nil {
				return err
			}
			fmt.Println("updated", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&gen, "gen", "", "generate the secret instead of prompting (gen:N or N)")
	return cmd
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a credential and its factors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := vc.DeleteCredential(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func secretFor(gen string) ([]byte, error) {
	if gen == "" {
		return promptSecret("Secret: ")
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimPrefix(gen, "gen:"), "%d", &n); err != nil || n <= 0 {
		n = 20
	}
	return genPassword(n)
}
