package inbox

import (
	"context"

	"github.com/rs/zerolog"
)

// Mutations applies user actions optimistically and rolls them back when the
// server rejects them.
type Mutations struct {
	api      API
	guard    *CredentialGuard
	store    *Store
	onChange func()
	logger   zerolog.Logger
}

func NewMutations(api API, guard *CredentialGuard, store *Store, onChange func(), logger zerolog.Logger) *Mutations {
	if onChange == nil {
		onChange = func() {}
	}
	return &Mutations{
		api:      api,
		guard:    guard,
		store:    store,
		onChange: onChange,
		logger:   logger.With().Str("component", "mutations").Logger(),
	}
}

func (m *Mutations) MarkRead(ctx context.Context, id string) error {
	return m.apply(ctx, "mark_read", id, func() Undo { return m.store.ApplyRead(id) }, func(token string) error {
		return ignoreNotFound(m.api.MarkRead(ctx, token, id))
	})
}

// MarkAllRead is one bulk request with one combined rollback.
func (m *Mutations) MarkAllRead(ctx context.Context) error {
	return m.apply(ctx, "mark_all_read", "", func() Undo { return m.store.ApplyReadAll() }, func(token string) error {
		_, err := m.api.MarkAllRead(ctx, token)
		return err
	})
}

func (m *Mutations) Delete(ctx context.Context, id string) error {
	return m.apply(ctx, "delete", id, func() Undo { return m.store.ApplyDelete(id) }, func(token string) error {
		return ignoreNotFound(m.api.Delete(ctx, token, id))
	})
}

// apply issues the request even when the local change was a no-op. A
// failure reverts only what this mutation changed.
func (m *Mutations) apply(ctx context.Context, op, id string, local func() Undo, remote func(token string) error) error {
	undo := local()
	m.onChange()

	token, err := m.guard.Ensure(ctx)
	if err == nil {
		err = remote(token)
	}
	if err == nil {
		return nil
	}

	if m.store.Revert(undo) {
		m.onChange()
	}
	m.logger.Warn().Err(err).Str("op", op).Str("notification_id", id).Msg("mutation rolled back")
	return &MutationConflictError{Op: op, ID: id, Err: err}
}

func ignoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
