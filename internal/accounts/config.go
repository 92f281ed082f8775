package accounts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolConfig is the on-disk shape of the account pool.
type PoolConfig struct {
	Strategy Strategy        `yaml:"strategy"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig is one account entry in the YAML file.
type AccountConfig struct {
	ID          string   `yaml:"id"`
	Email       string   `yaml:"email"`
	BearerToken string   `yaml:"bearer_token"`
	Models      []string `yaml:"models"`
	Priority    int      `yaml:"priority"`
	CreditLimit float64  `yaml:"credit_limit"`
	Credits     float64  `yaml:"credits"`
}

// LoadPool reads the accounts file and builds a pool. A missing or invalid
// file is a configuration error and fails hard.
func LoadPool(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParsePool(data)
}

// ParsePool builds a pool from YAML bytes.
func ParsePool(data []byte) (*Pool, error) {
	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file defines no accounts")
	}

	accts := make([]*Account, 0, len(cfg.Accounts))
	seen := make(map[string]bool)
	for i, ac := range cfg.Accounts {
		if ac.ID == "" {
			return nil, fmt.Errorf("account %d: id is required", i)
		}
		if seen[ac.ID] {
			return nil, fmt.Errorf("account %q: duplicate id", ac.ID)
		}
		seen[ac.ID] = true

		models := make([]ModelType, 0, len(ac.Models))
		for _, m := range ac.Models {
			models = append(models, ModelType(m))
		}
		accts = append(accts, &Account{
			ID:          ac.ID,
			Email:       ac.Email,
			BearerToken: ac.BearerToken,
			Models:      models,
			Priority:    ac.Priority,
			CreditLimit: ac.CreditLimit,
			Credits:     ac.Credits,
		})
	}

	return NewPool(accts, cfg.Strategy), nil
}
