// Package resource governs the memory, flush bandwidth and worker slots used
// by out-of-core embedding training.
//
//	┌────────────────────────────────────────────────────────────┐
//	│                        Controller                          │
//	├──────────────────┬──────────────────┬──────────────────────┤
//	│ Resident budget  │ Flush workers    │ Flush bandwidth      │
//	│ (fail-fast sem)  │ (blocking sem)   │ (token bucket)       │
//	├──────────────────┼──────────────────┼──────────────────────┤
//	│ ReserveResident  │ AcquireWorker    │ WaitFlush            │
//	│ ReleaseResident  │ ReleaseWorker    │                      │
//	└──────────────────┴──────────────────┴──────────────────────┘
//
// Resident windows reserve their slab up front; a reservation that does not
// fit fails with ErrMemoryLimitExceeded instead of blocking:
//
//	rc := resource.NewController(resource.Config{ResidentLimitBytes: 1 << 30})
//	if err := rc.ReserveResident(slabBytes); err != nil {
//	    return err
//	}
//	defer rc.ReleaseResident(slabBytes)
//
// Update workers pass every trace through WaitFlush so background writes to
// the backing store do not starve the training loop:
//
//	if err := rc.WaitFlush(ctx, trace.SizeBytes()); err != nil {
//	    return err
//	}
//
// All methods are safe for concurrent use, and a nil *Controller imposes no
// limits.
package resource
