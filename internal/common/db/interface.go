package db

import "context"

// Database is a pooled SQL handle able to run transactions.
type Database interface {
	Querier
	Transactor

	Ping(ctx context.Context) error
	Close() error
}

// Transactor runs fn inside a transaction, committing when fn returns nil.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
}

// Transaction is an open SQL transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is a forward-only cursor over query results.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Result summarizes an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
