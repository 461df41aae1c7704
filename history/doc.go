// Package history retrofits temporal/audit tracking onto GORM models.
//
// Each tracked model gets a shadow table holding one immutable snapshot row
// per create/update/delete, carrying the full field values plus metadata
// (timestamp, change type, acting user, optional reason). The capture
// engine is a GORM plugin writing snapshots inside the same transaction as
// the live write; the query layer reconstructs state as of any past
// instant, walks revision chains, and computes field-level diffs between
// snapshots.
//
// Typical wiring:
//
//	registry := history.NewRegistry(log)
//	registry.MustTrack(&Poll{})
//	plugin := history.New(registry, log)
//	db.Use(plugin)
//	registry.Migrate(ctx, db)
package history
