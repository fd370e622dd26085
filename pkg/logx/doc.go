// Package logx configures animebot's structured logging.
//
// Logger is a small value type over zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON
//   - An optional chat sink forwards warnings/errors to an operator chat (min-level + rate limiting)
package logx
