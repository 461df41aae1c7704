package history

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type contextKey int

const (
	actorContextKey contextKey = iota
	reasonContextKey
	snapshotTimeContextKey
)

// WithActor records the acting user for every capture performed under ctx.
// The value's lifetime is the context's lifetime; the web integration layer
// sets it per request, so it can never leak across requests.
func WithActor(ctx context.Context, userID any) context.Context {
	return context.WithValue(ctx, actorContextKey, userID)
}

// ActorFromContext returns the acting user recorded by WithActor.
func ActorFromContext(ctx context.Context) (any, bool) {
	v := ctx.Value(actorContextKey)
	return v, v != nil
}

// WithReason records a free-text change reason for captures under ctx.
func WithReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, reasonContextKey, reason)
}

func ReasonFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(reasonContextKey).(string)
	return v, ok
}

// WithSnapshotTime overrides the capture timestamp for captures under ctx,
// enabling backdated history. Out-of-order timestamps invert the apparent
// chronology; avoiding that is the caller's responsibility.
func WithSnapshotTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, snapshotTimeContextKey, t)
}

func SnapshotTimeFromContext(ctx context.Context) (time.Time, bool) {
	v, ok := ctx.Value(snapshotTimeContextKey).(time.Time)
	return v, ok
}

const skipSetting = "gormhistory:skip"

// Skip marks the returned session so its next tracked write produces no
// snapshot. The flag is consumed by the first capture-eligible event and
// does not leak into subsequent saves.
func Skip(db *gorm.DB) *gorm.DB {
	return db.Set(skipSetting, true)
}

// Per-row overrides. A tracked model may implement any of these; they beat
// both the context values and the plugin resolvers, and in bulk paths they
// beat the batch defaults.

// UserIDProvider supplies the acting user for snapshots of this row.
type UserIDProvider interface {
	HistoryUserID() any
}

// ReasonProvider supplies the change reason for snapshots of this row.
type ReasonProvider interface {
	HistoryChangeReason() string
}

// DateProvider supplies the snapshot timestamp for this row; a zero time
// means "no override".
type DateProvider interface {
	HistoryDate() time.Time
}
