// Package logx configures possync's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File and journald-friendly output JSON-structured
//   - Logger values cheap to copy and safe to use before the Service exists
package logx
