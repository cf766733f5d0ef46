// Package logx configures linetap's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels hot-swappable at runtime (config file watch)
//
// Everything is written to stderr: stdout belongs to the --tee sink.
package logx
