package uow

import (
	"context"
)

// AfterCommit is a function that runs after a successful transaction commit.
type AfterCommit func(ctx context.Context)

// Runner runs fn inside a transaction handle of type T. A runner may call fn
// more than once when it retries a conflicting transaction.
type Runner[T any] interface {
	RunTx(ctx context.Context, fn func(ctx context.Context, tx T) error) error
}

// UoW represents a unit of work.
type UoW[T any] struct {
	runner Runner[T]
}

func New[T any](runner Runner[T]) *UoW[T] {
	return &UoW[T]{runner: runner}
}

// Do runs fn inside the transaction. After a successful commit, it executes
// the after-commit hooks registered by the attempt that committed.
func (u *UoW[T]) Do(
	ctx context.Context,
	fn func(ctx context.Context, tx T, after func(AfterCommit)) error,
) error {
	var hooks []AfterCommit

	err := u.runner.RunTx(ctx, func(ctx context.Context, tx T) error {
		hooks = hooks[:0]
		return fn(ctx, tx, func(h AfterCommit) {
			hooks = append(hooks, h)
		})
	})
	if err != nil {
		return err
	}

	for _, h := range hooks {
		h(ctx)
	}

	return nil
}
