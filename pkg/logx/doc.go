// Package logx configures taskbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON
//   - an optional operator chat sink forwards WARN+ lines, rate limited
package logx
