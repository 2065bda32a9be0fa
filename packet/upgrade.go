package packet

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/meshcore/limits"
)

// The Upgrade body after the sender key is a protobuf message with a single
// string field carrying the new endpoint. Using protobuf framing keeps the
// body forward compatible: unknown fields are skipped on decode.
const upgradeEndpointField protowire.Number = 1

func encodeUpgradeBody(ep netip.AddrPort) ([]byte, error) {
	if !ep.IsValid() {
		return nil, fmt.Errorf("%w: upgrade endpoint is not valid", ErrNotEncodable)
	}
	s := ep.String()
	if err := limits.ValidateEndpoint(s); err != nil {
		return nil, fmt.Errorf("%w: upgrade endpoint: %w", ErrNotEncodable, err)
	}
	b := protowire.AppendTag(nil, upgradeEndpointField, protowire.BytesType)
	return protowire.AppendString(b, s), nil
}

func decodeUpgrade(body []byte) (Packet, bool) {
	if len(body) <= KeySize {
		return nil, false
	}
	var u Upgrade
	copy(u.Sender[:], body)

	var (
		endpoint string
		found    bool
	)
	b := body[KeySize:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == upgradeEndpointField && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, false
			}
			endpoint, found = v, true
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	if !found || limits.ValidateEndpoint(endpoint) != nil {
		return nil, false
	}
	ap, err := netip.ParseAddrPort(endpoint)
	if err != nil || limits.ValidateEndpoint(ap.String()) != nil {
		return nil, false
	}
	u.Endpoint = ap
	return u, true
}
