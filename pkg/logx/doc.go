// Package logx configures opsnotify's structured logging.
//
// Components take a logx.Logger (a small wrapper over zerolog) so they can:
//   - Log to a readable console (short timestamp + short caller)
//   - Log JSON lines to a file sink
//   - Swap level/sinks at runtime when the config reloads
package logx
