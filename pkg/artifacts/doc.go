// Package artifacts writes the outputs of a successful run: a deployment
// script, a validation script, an idempotent cleanup script and a
// human-readable decision record.
package artifacts
