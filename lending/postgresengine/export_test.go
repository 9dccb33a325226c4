package postgresengine

import "github.com/bachducanh/E-Library/lending/postgresengine/internal/adapters"

// NewStoreWithAdapter lets tests run the Store against a scripted adapter.
func NewStoreWithAdapter(db adapters.DBAdapter, options ...Option) (*Store, error) {
	return newStore(db, options...)
}
