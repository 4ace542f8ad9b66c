// Package host assembles the switchyard core into one running process.
//
// A [Host] owns every component: the blob store, the event bus and its
// projections, the channel registry, the rendering engine, the process
// supervisor, the unit manager and the cross-unit coordinator. Initialize
// builds them from a [config.Config] in dependency order and starts their
// background loops. Shutdown suspends every unit, destroys every process
// and closes every channel before it returns, and a second call is a
// no-op.
//
//	h := host.New(config.Get())
//	if err := h.Initialize(ctx); err != nil {
//		return err
//	}
//	defer h.Shutdown(context.Background())
//
//	u, err := h.Units().CreateUnit(ctx, "https://example.com", unit.CreateOptions{})
package host
