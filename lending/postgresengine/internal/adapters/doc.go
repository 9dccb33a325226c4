// Package adapters hides the differences between pgxpool.Pool, sql.DB and sqlx.DB
// behind one small interface, so the shard store runs on whichever connection
// type the application already has.
package adapters
