package adapter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	// ErrQueueFull is returned by Forward when the device is not keeping up.
	ErrQueueFull = errors.New("inbound queue full")

	errWrongEndpoint = errors.New("not a mesh endpoint")
)

const inboundQueueSize = 1024

type inboundDatagram struct {
	peer wgtypes.Key
	data []byte
}

// meshBind is a conn.Bind whose "network" is the meshnet socket. Endpoints
// are peer public keys; the multiplexer decides where a peer actually lives.
type meshBind struct {
	transmit TransmitFunc
	inbound  chan inboundDatagram
	mark     atomic.Uint32

	mu     sync.Mutex
	closed chan struct{}
}

var _ conn.Bind = (*meshBind)(nil)

func newMeshBind(transmit TransmitFunc) *meshBind {
	return &meshBind{
		transmit: transmit,
		inbound:  make(chan inboundDatagram, inboundQueueSize),
	}
}

func (b *meshBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}
	closed := make(chan struct{})
	b.closed = closed

	recv := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case d := <-b.inbound:
			sizes[0] = copy(packets[0], d.data)
			eps[0] = meshEndpoint(d.peer)
			return 1, nil
		case <-closed:
			return 0, net.ErrClosed
		}
	}
	return []conn.ReceiveFunc{recv}, port, nil
}

func (b *meshBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed != nil {
		close(b.closed)
		b.closed = nil
	}
	return nil
}

func (b *meshBind) SetMark(mark uint32) error {
	b.mark.Store(mark)
	return nil
}

func (b *meshBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	peer, ok := ep.(meshEndpoint)
	if !ok {
		return errWrongEndpoint
	}
	for _, buf := range bufs {
		if err := b.transmit(append([]byte(nil), buf...), wgtypes.Key(peer)); err != nil {
			return err
		}
	}
	return nil
}

func (b *meshBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != wgtypes.KeyLen {
		return nil, fmt.Errorf("invalid mesh endpoint %q", s)
	}
	var k wgtypes.Key
	copy(k[:], raw)
	return meshEndpoint(k), nil
}

func (b *meshBind) BatchSize() int { return 1 }

// deliver queues an inbound datagram for the device. The data is copied.
func (b *meshBind) deliver(peer wgtypes.Key, data []byte) error {
	d := inboundDatagram{peer: peer, data: append([]byte(nil), data...)}
	select {
	case b.inbound <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// meshEndpoint identifies a peer by public key.
type meshEndpoint wgtypes.Key

var _ conn.Endpoint = meshEndpoint{}

func (meshEndpoint) ClearSrc()             {}
func (meshEndpoint) SrcToString() string   { return "" }
func (e meshEndpoint) DstToString() string { return hex.EncodeToString(e[:]) }
func (e meshEndpoint) DstToBytes() []byte  { return append([]byte(nil), e[:]...) }
func (meshEndpoint) DstIP() netip.Addr     { return netip.Addr{} }
func (meshEndpoint) SrcIP() netip.Addr     { return netip.Addr{} }
