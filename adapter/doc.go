// Package adapter wraps the native WireGuard implementations behind one
// capability set, Backend.
//
// Three variants exist:
//
//   - Userspace runs wireguard-go inside the process. Its datagrams never
//     touch a socket of their own: a custom conn.Bind hands outbound
//     datagrams to Options.Transmit and receives inbound ones through
//     Backend.Forward.
//   - KernelDriver drives the in-kernel WireGuard (Linux) or a WireGuard-NT
//     adapter (Windows) through wgctrl with incremental peer updates.
//   - ExternalProcess spawns the wireguard-go binary and configures it over
//     its UAPI socket, always sending the full peer set (replace-all).
//
// The kernel and external variants reach the meshnet socket through one
// loopback proxy socket per peer, so every WireGuard datagram still flows
// through Transmit and Forward regardless of the variant.
//
// Exactly one backend is active per multiplexer. Backends are not safe for
// concurrent mutation; the multiplexer serialises all calls except Forward,
// which may be called from packet-dispatch goroutines.
package adapter
