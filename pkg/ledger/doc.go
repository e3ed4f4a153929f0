// Package ledger tracks the resources a deployment creates (the SystemCard)
// and derives idempotent cleanup phases from them.
//
// A Ledger is owned by one bootstrap session and registered with the executor
// as a task observer, so every succeeded resource-creating task is recorded
// together with the resources of its nearest resource-creating ancestors.
// Cleanup phases delete resources in reverse dependency order; commands come
// from per-family templates or the pattern's explicit cleanup override.
package ledger
