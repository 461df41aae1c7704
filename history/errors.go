package history

import "errors"

var (
	// ErrAlreadyRegistered is returned when Track is called twice for the
	// same model type.
	ErrAlreadyRegistered = errors.New("model is already registered for history tracking")

	// ErrNotRegistered is returned when a model has no shadow table, i.e.
	// it is not a historical model.
	ErrNotRegistered = errors.New("not a historical model")

	// ErrRelatedNameConflict is returned when the configured related name
	// collides with the history accessor name on the tracked model.
	ErrRelatedNameConflict = errors.New("related name conflicts with the history accessor name")

	// ErrTableNameConflict is returned when the configured shadow table
	// name collides with the live table name.
	ErrTableNameConflict = errors.New("history table name conflicts with the tracked table name")

	// ErrInvalidExtraFields is returned when extra bookkeeping fields are
	// malformed (empty names, duplicates, or collisions with synthesized
	// columns).
	ErrInvalidExtraFields = errors.New("invalid extra history fields")

	// ErrNoHistory is returned by lookups that found no qualifying
	// snapshot for the requested key.
	ErrNoHistory = errors.New("no historical record exists for this key")

	// ErrMismatchedModels is returned when two records of different shadow
	// types are diffed against each other.
	ErrMismatchedModels = errors.New("cannot diff records of different historical models")

	// ErrExistingHistory is returned by Populate when the shadow table
	// already holds rows for the model.
	ErrExistingHistory = errors.New("history already exists; populate refuses to run")

	// ErrMissingPrimaryKey is returned when a capture path cannot determine
	// the tracked row's primary key.
	ErrMissingPrimaryKey = errors.New("tracked instance has no primary key value")
)
