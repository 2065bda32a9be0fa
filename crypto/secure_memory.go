package crypto

import (
	"runtime"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ZeroBytes overwrites secret material in place. Each slice is kept alive
// past the writes so they cannot be dropped as dead stores.
func ZeroBytes(secrets ...[]byte) {
	for _, b := range secrets {
		clear(b)
		runtime.KeepAlive(b)
	}
}

// WipeKey zeroes a key held by value, typically a session key once it has
// been handed to the backend.
func WipeKey(k *wgtypes.Key) {
	if k != nil {
		ZeroBytes(k[:])
	}
}

// WipeKeyPair zeroes the private half of kp. The public half stays usable.
func WipeKeyPair(kp *KeyPair) {
	if kp != nil {
		WipeKey(&kp.Private)
	}
}
