// Package patterns loads and validates versioned deployment patterns.
//
// A pattern is a platform-scoped template: ordered deployment phases of
// shell commands, post-deployment validation checks and detection hints.
// Pattern documents are YAML or JSON files. Each document is checked against
// an embedded CUE schema (which also applies defaults), then against struct
// constraints and a few semantic rules (unique check IDs, valid globs and
// regular expressions). A rejected document produces a permanent
// VALIDATION_ERROR whose "field" detail names the offending field.
//
// # Usage
//
//	store, err := patterns.NewStore(logger)
//	if err != nil {
//	    return err
//	}
//	if _, err := store.LoadDir(ctx, "patterns"); err != nil {
//	    logger.Warn().Err(err).Msg("some patterns were rejected")
//	}
//	p, err := store.Latest("kubernetes")
//
// Patterns built in code, such as plans returned by the AI fallback, go
// through Store.Add, which runs the same schema and validation path.
//
// A Watcher reloads the pattern directory when files change. A reload is
// all-or-nothing: if any file is rejected the previous set stays active.
package patterns
