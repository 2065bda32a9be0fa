package firewall

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func key(b byte) wgtypes.Key {
	var k wgtypes.Key
	k[0] = b
	return k
}

func TestStatic(t *testing.T) {
	fw := NewStatic()
	src := netip.MustParseAddrPort("192.0.2.10:51820")
	a, b := key(1), key(2)

	assert.False(t, fw.Permit(src, a), "empty allowlist denies")

	fw.Allow(a)
	assert.True(t, fw.Permit(src, a))
	assert.False(t, fw.Permit(src, b))

	fw.Allow(b, netip.MustParsePrefix("198.51.100.7/24"))
	assert.False(t, fw.Permit(src, b))
	assert.True(t, fw.Permit(netip.MustParseAddrPort("198.51.100.200:1"), b))
	assert.True(t, fw.Permit(netip.MustParseAddrPort("[::ffff:198.51.100.1]:1"), b), "v4-mapped source")

	fw.Revoke(a)
	assert.False(t, fw.Permit(src, a))

	fw.Replace([]wgtypes.Key{a})
	assert.Equal(t, 1, fw.Len())
	assert.True(t, fw.Permit(src, a))
	assert.False(t, fw.Permit(netip.MustParseAddrPort("198.51.100.200:1"), b))
}

func TestAdapters(t *testing.T) {
	var fw Firewall = AllowAll{}
	assert.True(t, fw.Permit(netip.AddrPort{}, key(1)))

	fw = Func(func(_ netip.AddrPort, peer wgtypes.Key) bool { return peer == key(3) })
	assert.True(t, fw.Permit(netip.AddrPort{}, key(3)))
	assert.False(t, fw.Permit(netip.AddrPort{}, key(4)))
}
