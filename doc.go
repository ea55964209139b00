// Package rcoder contains the shared data model for the rcoder remote
// execution protocol: server profiles, commands and their results, the
// protocol error taxonomy, and the bounded alert queue fed by background
// health monitoring.
//
// The protocol engine itself lives in the subpackages:
//
//   - transport: byte stream establishment (direct, relay-chained, disguised)
//   - auth: mutual key-based handshake
//   - wire: frame codec and message integrity
//   - session: authenticated connection lifecycle and reconnection
//   - dispatch: single/batch/async command execution and restart coordination
//   - monitor: background health sampling
//   - agent: the remote-side daemon
package rcoder
