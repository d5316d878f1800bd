package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/encodeous/qaodv/state"
	"golang.org/x/net/ipv4"
)

var (
	ErrUnknownPeer = errors.New("no underlay endpoint for neighbour")
	errShortFrame  = errors.New("frame shorter than its header")
)

const (
	frameHeaderLen = 2
	maxFrameSize   = 65535
)

// ReceiveFunc handles a frame from the one-hop neighbour from. It always runs on the dispatch goroutine.
type ReceiveFunc func(from netip.Addr, port uint16, b []byte)

// UDPTransport carries overlay frames between neighbours over UDP.
// A frame is the overlay port as a big endian uint16 followed by the payload.
// Neighbours are recognised by their underlay endpoint; frames from anyone else are dropped.
type UDPTransport struct {
	env  *state.Env
	log  *slog.Logger
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	recv ReceiveFunc

	mu        sync.RWMutex
	peers     map[netip.Addr]netip.AddrPort
	endpoints map[netip.AddrPort]netip.Addr

	wg sync.WaitGroup
}

// NewUDPTransport binds the underlay socket and starts reading from it.
// tos sets the IP type of service of outgoing frames when non-zero.
func NewUDPTransport(env *state.Env, bind netip.AddrPort, tos int, recv ReceiveFunc) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", bind, err)
	}
	t := &UDPTransport{
		env:       env,
		log:       env.Log.With("module", "transport"),
		conn:      conn,
		pc:        ipv4.NewPacketConn(conn),
		recv:      recv,
		peers:     make(map[netip.Addr]netip.AddrPort),
		endpoints: make(map[netip.AddrPort]netip.Addr),
	}
	if tos != 0 {
		if err := t.pc.SetTOS(tos); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set tos %d: %w", tos, err)
		}
	}
	if err := t.pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		t.log.Debug("ttl control messages unavailable", "err", err)
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddPeer binds the overlay neighbour addr to its underlay endpoint, replacing any previous binding
func (t *UDPTransport) AddPeer(addr netip.Addr, ep netip.AddrPort) {
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[addr]; ok {
		delete(t.endpoints, old)
	}
	t.peers[addr] = ep
	t.endpoints[ep] = addr
}

func (t *UDPTransport) RemovePeer(addr netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.peers[addr]; ok {
		delete(t.endpoints, ep)
		delete(t.peers, addr)
	}
}

// Peers returns the overlay addresses of every neighbour in address order
func (t *UDPTransport) Peers() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addrs := make([]netip.Addr, 0, len(t.peers))
	for addr := range t.peers {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs
}

func (t *UDPTransport) endpoint(addr netip.Addr) (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.peers[addr]
	return ep, ok
}

func (t *UDPTransport) neighbour(ep netip.AddrPort) (netip.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.endpoints[ep]
	return addr, ok
}

func encodeFrame(port uint16, b []byte) []byte {
	frame := make([]byte, 0, frameHeaderLen+len(b))
	frame = binary.BigEndian.AppendUint16(frame, port)
	return append(frame, b...)
}

func decodeFrame(frame []byte) (uint16, []byte, error) {
	if len(frame) < frameHeaderLen {
		return 0, nil, errShortFrame
	}
	return binary.BigEndian.Uint16(frame), frame[frameHeaderLen:], nil
}

// Send writes one frame to the neighbour to
func (t *UDPTransport) Send(to netip.Addr, port uint16, b []byte) error {
	ep, ok := t.endpoint(to)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownPeer, to)
	}
	frame := encodeFrame(port, b)
	if _, err := t.conn.WriteToUDPAddrPort(frame, ep); err != nil {
		return fmt.Errorf("failed to send to %s at %s: %w", to, ep, err)
	}
	return nil
}

// Broadcast sends one frame to every neighbour, returning those the frame could not be written to
func (t *UDPTransport) Broadcast(port uint16, b []byte) []netip.Addr {
	var failed []netip.Addr
	for _, nb := range t.Peers() {
		if err := t.Send(nb, port, b); err != nil {
			t.log.Debug("broadcast failed", "neighbour", nb, "err", err)
			failed = append(failed, nb)
		}
	}
	return failed
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxFrameSize)
	for {
		n, cm, src, err := t.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.env.Context.Err() != nil {
				return
			}
			t.log.Warn("read failed", "err", err)
			continue
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ap := udp.AddrPort()
		ep := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		from, ok := t.neighbour(ep)
		if !ok {
			ttl := -1
			if cm != nil {
				ttl = cm.TTL
			}
			t.log.Debug("frame from unknown endpoint", "endpoint", ep, "ttl", ttl)
			continue
		}
		port, payload, err := decodeFrame(buf[:n])
		if err != nil {
			t.log.Debug("dropping frame", "from", from, "err", err)
			continue
		}
		payload = slices.Clone(payload)
		t.env.Dispatch(func(s *state.State) error {
			t.recv(from, port, payload)
			return nil
		})
	}
}

// Close stops the reader and releases the socket
func (t *UDPTransport) Close() error {
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
