package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest UDP payload a socket can deliver.
	MaxDatagramSize = 65535

	// HeaderSize is the fixed control-plane header: discriminator, version and
	// a little-endian uint16 body length.
	HeaderSize = 4

	// KeySize is the size of an X25519 / WireGuard key.
	KeySize = 32

	// MaxBodySize is the largest body the uint16 length field can declare.
	MaxBodySize = 0xFFFF

	// MaxDataPayload is the largest WireGuard datagram carried by one Data packet.
	// It is bounded both by the length field and by the datagram size.
	MaxDataPayload = MaxDatagramSize - HeaderSize - KeySize

	// MaxEndpointLength bounds the endpoint string of a path upgrade message.
	MaxEndpointLength = 256

	// MaxConfigLength bounds the meshmap JSON accepted by SetMeshnet (16 MiB).
	MaxConfigLength = 16 * 1024 * 1024

	// MaxPeers bounds the number of peers one interface will hold.
	MaxPeers = 4096
)

var (
	// ErrEmpty indicates an empty buffer was provided where content is required.
	ErrEmpty = errors.New("empty buffer")

	// ErrTooLarge indicates a buffer exceeds its limit.
	ErrTooLarge = errors.New("buffer too large")
)

// validateSize checks an input of n bytes against limit. what names the
// input in the error.
func validateSize(what string, n, limit int) error {
	if n == 0 {
		return ErrEmpty
	}
	if n > limit {
		return fmt.Errorf("%w: %s %d exceeds limit %d", ErrTooLarge, what, n, limit)
	}
	return nil
}

// ValidateDataPayload checks a WireGuard datagram before it is framed as Data.
func ValidateDataPayload(payload []byte) error {
	return validateSize("data payload", len(payload), MaxDataPayload)
}

// ValidateEndpoint checks the textual endpoint carried by an upgrade message.
func ValidateEndpoint(endpoint string) error {
	return validateSize("endpoint length", len(endpoint), MaxEndpointLength)
}

// ValidateConfig checks a meshmap document before it is parsed.
// An empty document is valid: it switches the meshnet off.
func ValidateConfig(config []byte) error {
	if len(config) > MaxConfigLength {
		return fmt.Errorf("%w: config length %d exceeds limit %d", ErrTooLarge, len(config), MaxConfigLength)
	}
	return nil
}
