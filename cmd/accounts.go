// cmd/accounts.go
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aether-media/vidforge/internal/accounts"
	"github.com/aether-media/vidforge/internal/config"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List the account pool with derived statuses",
	Run:   runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}

	cfg := config.Load()
	pool, err := loadPool(cfg.AccountsFile)
	if err != nil {
		fail(err)
	}

	headerColor.Printf("Accounts (%s)\n", cfg.AccountsFile)
	for _, a := range pool.Snapshot() {
		c := goodColor
		switch a.Status {
		case accounts.StatusDegraded, accounts.StatusLowCredits:
			c = warnColor
		case accounts.StatusUnavailable:
			c = badColor
		}

		fmt.Printf("  %-16s %-28s ", a.ID, a.Email)
		c.Printf("%-12s", a.Status)
		fmt.Printf(" priority=%d credits=%.1f/%.1f models=%v\n",
			a.Priority, a.Credits, a.CreditLimit, a.Models)
	}
}

// loadPool wraps accounts.LoadPool with a friendlier error.
func loadPool(path string) (*accounts.Pool, error) {
	pool, err := accounts.LoadPool(path)
	if err != nil {
		return nil, fmt.Errorf("load account pool from %s: %w", path, err)
	}
	return pool, nil
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}
