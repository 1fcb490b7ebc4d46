package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vaultkeeper/internal/auth"
	"vaultkeeper/internal/client"
	"vaultkeeper/internal/kex"
)

var (
	home     string
	addr     string
	sourceID int
	verbose  bool

	vc *client.Client
)

func Execute() error {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Talk to a local vaultd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".vaultkeeper")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if sourceID < 0 {
				return kex.ErrInvalidSourceID
			}

			log := zerolog.Nop()
			if verbose {
				log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
					With().Timestamp().Logger().Level(zerolog.DebugLevel)
			}
			vc = client.New(addr, kex.Source(sourceID), client.WithLogger(log))
			if p, err := loadTokens(); err == nil {
				vc.SetTokens(p)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.vaultkeeper)")
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7435", "vaultd base URL")
	root.PersistentFlags().IntVar(&sourceID, "source", 1, "transport source id")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol steps to stderr")

	root.AddCommand(statusCmd(), unlockCmd(), lockCmd(), passwdCmd(), auditCmd())
	root.AddCommand(listCmd(), addCmd(), getCmd(), setSecretCmd(), rmCmd())
	root.AddCommand(factorCmd(), pinCmd(), otpCmd())

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
	}
	return err
}

// describe turns server error codes into something a person can act on.
func describe(err error) string {
	var ae *client.APIError
	if !errors.As(err, &ae) {
		return err.Error()
	}
	switch ae.Code {
	case "unauthenticated":
		return "not logged in, run `vaultctl unlock`"
	case "locked":
		return "vault is locked, run `vaultctl unlock`"
	case "forbidden":
		return "wrong passphrase"
	case "rate_limited":
		return "too many attempts, wait a minute"
	case "assertion_required":
		return "this credential is gated by a passkey; use the browser extension"
	}
	return err.Error()
}

func tokenPath() string { return filepath.Join(home, "session.json") }

func loadTokens() (auth.Pair, error) {
	var p auth.Pair
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(b, &p)
	return p, err
}

func saveTokens(p auth.Pair) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func clearTokens() {
	_ = os.Remove(tokenPath())
}
