// Package db selects the concrete storage driver from the profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/internal/profile"
	"github.com/chatvault/chatvault/store"
	"github.com/chatvault/chatvault/store/db/postgres"
	"github.com/chatvault/chatvault/store/db/sqlite"
)

// NewDriver creates a storage driver based on the profile's driver setting.
func NewDriver(p *profile.Profile) (store.Driver, error) {
	switch p.Driver {
	case "sqlite":
		return sqlite.NewDB(p)
	case "postgres":
		return postgres.NewDB(p)
	default:
		return nil, errors.Errorf("unsupported driver %q", p.Driver)
	}
}
