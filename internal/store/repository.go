package store

import "context"

// Repository is the persistence contract the engines depend on. Records are
// returned as copies; changes are only visible after Update.
type Repository[T any] interface {
	Find(ctx context.Context, q Query) ([]*T, error)
	First(ctx context.Context, q Query) (*T, error)
	Get(ctx context.Context, id int64) (*T, error)
	Count(ctx context.Context, q Query) (int, error)
	Create(ctx context.Context, rec *T) error
	Update(ctx context.Context, rec *T) error
	Archive(ctx context.Context, rec *T) error
	Delete(ctx context.Context, id int64) error
}

// Transactor groups repository writes into one unit of work.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to Transactor.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// WithTx calls f.
func (f TransactorFunc) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx runs the unit of work directly. The memory store uses it.
var NoTx Transactor = TransactorFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})

// Exists reports whether q matches at least one record.
func Exists[T any](ctx context.Context, repo Repository[T], q Query) (bool, error) {
	found, err := repo.Find(ctx, q.Limit(1))
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}
