// Package runner provides engine.CommandRunner implementations: Local runs
// commands as child processes through a shell, and Fake answers from scripted
// responses for tests and dry runs.
package runner
