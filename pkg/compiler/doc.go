// Package compiler turns a validated pattern into an executable task graph.
package compiler
