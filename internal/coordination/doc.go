// Package coordination lets units cooperate: point-to-point and broadcast
// messaging over ipc channels, permissioned shared contexts and
// role-based collaboration sessions.
//
// The Coordinator owns three kinds of state:
//
//   - Message grants: a directed (from, to) capability list of message
//     type glob patterns. A handful of coordination message types are
//     always allowed; everything else is denied until granted.
//   - SharedContexts: versioned key/value maps. Every committed write
//     bumps Version by exactly one. Concurrent writes are detected with a
//     per-key version stamp and settled by the context's ConflictPolicy;
//     losing values are always kept in a ConflictRecord.
//   - Sessions: ordered participant lists with exactly one Owner while
//     the session is live.
//
// Usage:
//
//	c := coordination.New(channels, units, coordination.WithBus(bus))
//	defer c.Close()
//
//	sc, err := c.CreateSharedContext(ctx, coordination.ContextSpec{
//	    Name:  "research",
//	    Owner: unitA,
//	    Data:  map[string]any{"topic": "go"},
//	})
//	if err != nil {
//	    return err
//	}
//	res, err := c.UpdateSharedData(ctx, coordination.Update{
//	    ContextID:   sc.ID,
//	    UnitID:      unitA,
//	    Key:         "topic",
//	    Value:       "rust",
//	    BaseVersion: sc.Version,
//	})
//
// Publishing to the bus and delivering messages always happen after the
// coordinator's lock is released.
package coordination
