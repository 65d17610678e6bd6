// Package seed creates companies and users from a YAML file at startup.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/model"
	"github.com/stocksim/trading-engine/internal/trade"
)

// File is the parsed seed document.
type File struct {
	Companies []trade.CompanyInput
	Users     []User
}

type User struct {
	Username string
	Email    string
	Balance  decimal.Decimal
}

// raw mirrors the YAML layout; decimals are kept as strings so values such
// as 175.50 are not routed through float64.
type raw struct {
	Companies []struct {
		Ticker          string `yaml:"ticker"`
		Name            string `yaml:"name"`
		Price           string `yaml:"price"`
		TotalShares     int64  `yaml:"total_shares"`
		AvailableShares *int64 `yaml:"available_shares,omitempty"`
	} `yaml:"companies"`
	Users []struct {
		Username string `yaml:"username"`
		Email    string `yaml:"email"`
		Balance  string `yaml:"balance"`
	} `yaml:"users"`
}

// Parse decodes a seed document. available_shares defaults to total_shares.
func Parse(data []byte) (*File, error) {
	var r raw
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	f := &File{}
	for i, c := range r.Companies {
		price, err := decimal.NewFromString(c.Price)
		if err != nil {
			return nil, fmt.Errorf("seed: companies[%d] %s: price %q: %w", i, c.Ticker, c.Price, err)
		}
		available := c.TotalShares
		if c.AvailableShares != nil {
			available = *c.AvailableShares
		}
		f.Companies = append(f.Companies, trade.CompanyInput{
			Ticker:          c.Ticker,
			Name:            c.Name,
			Price:           price,
			TotalShares:     c.TotalShares,
			AvailableShares: available,
		})
	}
	for i, u := range r.Users {
		balance := decimal.Zero
		if u.Balance != "" {
			b, err := decimal.NewFromString(u.Balance)
			if err != nil {
				return nil, fmt.Errorf("seed: users[%d] %s: balance %q: %w", i, u.Username, u.Balance, err)
			}
			balance = b
		}
		f.Users = append(f.Users, User{Username: u.Username, Email: u.Email, Balance: balance})
	}
	return f, nil
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	return Parse(data)
}

// Creator is the subset of the engine used for seeding.
type Creator interface {
	CreateCompany(ctx context.Context, in trade.CompanyInput) (*model.Company, error)
	CreateUser(ctx context.Context, username, email string, balance decimal.Decimal) (*model.User, error)
}

// Result counts what Apply created and what already existed.
type Result struct {
	Created int
	Existed int
}

// Apply creates every entry in f. Entries that already exist are left
// unchanged, so seeding is safe to repeat.
func Apply(ctx context.Context, c Creator, f *File) (Result, error) {
	var res Result
	tally := func(err error) error {
		switch {
		case err == nil:
			res.Created++
		case errs.Is(err, errs.Conflict):
			res.Existed++
		default:
			return err
		}
		return nil
	}

	for _, in := range f.Companies {
		_, err := c.CreateCompany(ctx, in)
		if err := tally(err); err != nil {
			return res, fmt.Errorf("seed company %s: %w", in.Ticker, err)
		}
	}
	for _, u := range f.Users {
		_, err := c.CreateUser(ctx, u.Username, u.Email, u.Balance)
		if err := tally(err); err != nil {
			return res, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}

	slog.Info("seed applied", "created", res.Created, "existing", res.Existed)
	return res, nil
}
