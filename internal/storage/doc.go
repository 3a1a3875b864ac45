// Package storage is the adapter between pipeline state and the two storage
// tiers: the fast staging tier where stages write their outputs, and the
// durable archive tier that published products are promoted into.
//
// Promote is the only way a product crosses tiers. It prefers an atomic
// rename, falls back to a verified copy when the tiers live on different
// filesystems, and never overwrites an existing archive entry; collisions get
// a timestamp suffix instead. Callers confirm the outcome through Exists
// before recording the promotion durably.
package storage
