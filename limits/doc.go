// Package limits provides centralized size constants and validation functions
// for the meshnet control plane. Every component that touches untrusted bytes
// (the packet codec, the socket readers, the meshmap configuration parser)
// checks its input against the limits declared here.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (65535 bytes): the largest UDP datagram a socket reader
//     will ever hand to the codec. Read buffers are allocated at this size once.
//
//   - MaxDataPayload: the largest WireGuard datagram that fits inside a Data
//     packet after the header and the sender key.
//
//   - MaxEndpointLength (256 bytes): the longest endpoint string accepted in a
//     path upgrade message.
//
//   - MaxConfigLength (16 MiB): the largest meshmap JSON document accepted by
//     the host control surface.
//
// # Validation Functions
//
//	if err := limits.ValidateDataPayload(payload); err != nil {
//	    // ErrEmpty or ErrTooLarge
//	}
//
// All validators wrap ErrEmpty or ErrTooLarge so callers can use errors.Is.
package limits
