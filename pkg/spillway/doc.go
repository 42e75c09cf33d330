// Package spillway provides a tiered buffer catalog for GPU-accelerated
// query execution: columnar buffers registered in device memory are
// transparently spilled to host memory and then to disk as pressure
// requires, while workers keep safe, lease-counted access through handles
// regardless of which tier currently holds the bytes.
//
// # Basic Usage
//
//	cfg := config.DefaultConfig()
//	cfg.Tiers.Disk.DataDir = "/var/lib/spillway"
//
//	eng, _ := spillway.Open(cfg, logger)
//	defer eng.Close()
//
//	// Producer: register a batch with a spill priority, close when done.
//	h, _ := eng.Register(ctx, id, batch, -7)
//	h.Close()
//
//	// Consumer: acquire by id, read from whatever tier holds it.
//	lease, _ := eng.Acquire(ctx, id)
//	defer lease.Close()
//	batch, _ := lease.Batch(ctx, []columnar.ColumnType{columnar.Int32, columnar.String})
//
// # Spill Semantics
//
// Spill is synchronous and caller-driven: SynchronousSpill copies the
// lowest-priority unleased buffers of a tier to the next colder tier until
// the requested bytes are freed or nothing spillable remains. Buffers with
// an open handle are never spill candidates. The disk tier is terminal.
//
// The on-disk format is type-erased bytes: column types are supplied again
// when a spilled buffer is read back as a columnar batch.
package spillway
