// Package mesh implements the adapter multiplexer: the single owner of a
// WireGuard backend that applies peer state, dispatches control packets
// received from the meshnet socket and installs session keys produced by
// the handshake engine.
//
// # Ownership
//
// All mutable interface state (the backend handle, the peer table and the
// per-peer epochs) belongs to one owner task started with Run. Public
// methods post a closure to the owner's mailbox and wait for its result, so
// every mutation is serialized without locks on the state itself.
//
// Socket readers started with Serve decode packets and verify handshakes in
// parallel. Only the resulting state change is handed to the owner. Because
// a completed handshake and the Data packets that follow it travel through
// the same mailbox, a key is always installed before traffic under it is
// forwarded.
//
// # Reconciliation
//
// Reconcile brings the backend's peer set to a desired set with the
// minimal number of add, update and remove calls. Requests that arrive
// while a reconciliation is running are coalesced: only the most recent
// desired set is applied and every waiting caller receives its result.
//
// # Errors
//
// Backend failures are reported as *AdapterError. Transient native errors
// are retried with linear backoff before they surface as BackendRejected.
package mesh
