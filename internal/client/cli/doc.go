// Package cli provides the interactive GophMarket command-line client.
//
// NewApp wires configuration, local storage, the backend adapters, the
// session manager and the cart and favorites collections, and Run serves a
// REPL on stdin until the user exits.
//
// Key features:
//   - Sign up, sign in and sign out; several saved accounts with switching
//   - Profile display, name change and avatar upload
//   - Product catalog, cart and favorites kept in sync with the backend
//   - Event counters and a full local data reset
//
// Every command counts as user activity, and the first command after a
// long pause triggers a session refresh check.
package cli
