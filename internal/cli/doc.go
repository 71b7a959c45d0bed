// Package cli implements vaultctl, the command-line front end of the vault
// engine.
//
// Every command opens the configured database, asks for the master password
// when it needs the vault unlocked, runs, and closes the engine again. Nothing
// stays unlocked between invocations.
//
// Commands:
//   - init, passwd, info
//   - add, list, show, edit, rm, purge
//   - export, import (whole-vault files or per-entry QR chunks)
//   - plan, sync, resolve (S3 remote)
package cli
