// Package cordon holds module-level metadata shared by the CLI and the
// MCP server.
package cordon

// Version is the current Cordon release.
const Version = "0.2.0"
