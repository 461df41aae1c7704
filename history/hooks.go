package history

import "context"

// RowEvent is handed to write hooks around every snapshot insert.
type RowEvent struct {
	Registration *Registration
	ChangeType   string

	// Row holds the pending column values. Before-write hooks may mutate it
	// (e.g. to inject a derived extra-field value); after-write hooks see
	// the persisted values.
	Row map[string]any

	// HistoryID is set for after-write hooks and for m2m hooks.
	HistoryID any

	// M2MRows holds the pending shadow join rows for m2m hooks.
	M2MRows []map[string]any
}

// Hook is a synchronous extension callback invoked around snapshot writes,
// in registration order. A non-nil error aborts the write (and with it the
// surrounding transaction).
type Hook func(ctx context.Context, ev *RowEvent) error

// BeforeWrite registers a hook invoked with the not-yet-persisted snapshot
// row. Hooks must be registered during startup wiring, not per-request.
func (p *Plugin) BeforeWrite(h Hook) { p.beforeWrite = append(p.beforeWrite, h) }

// AfterWrite registers a hook invoked after the snapshot row is persisted.
func (p *Plugin) AfterWrite(h Hook) { p.afterWrite = append(p.afterWrite, h) }

// BeforeM2MWrite registers a hook invoked before the batch insert of shadow
// join rows for one snapshot.
func (p *Plugin) BeforeM2MWrite(h Hook) { p.beforeM2M = append(p.beforeM2M, h) }

// AfterM2MWrite registers a hook invoked after that batch insert.
func (p *Plugin) AfterM2MWrite(h Hook) { p.afterM2M = append(p.afterM2M, h) }

func runHooks(ctx context.Context, hooks []Hook, ev *RowEvent) error {
	for _, h := range hooks {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
