// Package detector ranks known platform patterns against a project tree.
//
// Each pattern's detection hints are evaluated against a bounded snapshot of
// the tree: file-exists hints match a glob against relative paths (or base
// names), content-match hints apply a regular expression to the first
// MaxFileSize bytes of matching files. A pattern's confidence is the sum of
// its matched hint weights, capped at 1.0. Detection never writes to the tree.
package detector
