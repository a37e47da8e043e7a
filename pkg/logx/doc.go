// Package logx configures archrvbot's structured logging.
//
// A small value-type wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting) that posts records
//     through the outbound dispatcher
package logx
