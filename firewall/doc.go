// Package firewall decides whether a decoded packet from a given source
// endpoint and peer may reach the WireGuard backend.
//
// The multiplexer only needs the Permit predicate; Static is the default
// implementation, an allowlist of peer keys with optional per-peer source
// prefixes.
package firewall
