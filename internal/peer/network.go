package peer

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackson-nestelroad/nodectl/internal/config"
	"github.com/jackson-nestelroad/nodectl/internal/transport"
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// NetworkManager brings up the full mesh of peer links described by
// spec.md's peer network: every other node gets one outbound connection
// (we dial, we become the handshake initiator) and one inbound
// connection (they dial, we become the handshake responder). It is
// grounded directly on peer_network_manager.cc's SetUp/Connect/Accept
// loops, restructured around errgroup instead of a manual thread-pool
// task count.
type NetworkManager struct {
	selfID   wire.NodeID
	selfHost string
	selfPort int
	password string

	timeout      time.Duration
	retryTimeout time.Duration
	tempDir      string

	peerLocations []config.Location

	mu             sync.Mutex
	outbound       map[wire.NodeID]*outboundHalf
	inbound        map[wire.NodeID]*inboundHalf
	links          map[wire.NodeID]*Link
	pendingInbound map[string]struct{}

	connected     chan struct{}
	connectedOnce sync.Once
}

type outboundHalf struct {
	sock  *transport.Socket
	codec *wire.Codec
}

type inboundHalf struct {
	sock  *transport.Socket
	codec *wire.Codec
}

// NewNetworkManager builds a manager for selfID, bound to selfHost for
// self-filtering and selfPort for the acceptor. clients is the raw
// "clients" property entry list; self-matching locations are dropped,
// grounded in peer_network_manager.cc's SetUp() exact-match rule (Open
// Question (b) in DESIGN.md): a location is "me" if its host is either
// "localhost" or selfHost and its port is either 0 (wildcard) or
// selfPort.
func NewNetworkManager(selfID wire.NodeID, selfHost string, selfPort int, password string, clients []config.Location, timeout, retryTimeout time.Duration, tempDir string) *NetworkManager {
	var peers []config.Location
	for _, loc := range clients {
		if isSelf(loc, selfHost, selfPort) {
			continue
		}
		peers = append(peers, loc)
	}

	return &NetworkManager{
		selfID:         selfID,
		selfHost:       selfHost,
		selfPort:       selfPort,
		password:       password,
		timeout:        timeout,
		retryTimeout:   retryTimeout,
		tempDir:        tempDir,
		peerLocations:  peers,
		outbound:       make(map[wire.NodeID]*outboundHalf),
		inbound:        make(map[wire.NodeID]*inboundHalf),
		links:          make(map[wire.NodeID]*Link),
		pendingInbound: make(map[string]struct{}),
		connected:      make(chan struct{}),
	}
}

func isSelf(loc config.Location, selfHost string, selfPort int) bool {
	if loc.Host != "localhost" && loc.Host != selfHost {
		return false
	}
	return loc.Port == 0 || loc.Port == selfPort
}

// Start opens the acceptor and dials every peer location concurrently,
// then blocks until the full mesh (one outbound and one inbound
// connection per peer) is up, or ctx is canceled.
func (nm *NetworkManager) Start(ctx context.Context) (map[wire.NodeID]*Link, error) {
	ln, err := transport.Listen(nm.selfPort)
	if err != nil {
		return nil, err
	}
	go nm.acceptLoop(ctx, ln)

	g, gctx := errgroup.WithContext(ctx)
	for _, loc := range nm.peerLocations {
		loc := loc
		g.Go(func() error { return nm.connectOut(gctx, loc) })
	}
	if err := g.Wait(); err != nil {
		ln.Close()
		return nil, err
	}

	return nm.awaitFullMesh(ctx)
}

func (nm *NetworkManager) connectOut(ctx context.Context, loc config.Location) error {
	sock, err := transport.Dial(ctx, loc.String(), nm.timeout, nm.retryTimeout)
	if err != nil {
		return err
	}
	codec := wire.NewCodec(sock, sock, wire.ServerRole, nm.tempDir)
	peerID, err := InitiateHandshake(codec, nm.selfID, nm.password)
	if err != nil {
		sock.Close()
		return err
	}
	log.Printf("peer: outbound handshake with node %d at %s complete", peerID, loc)

	nm.mu.Lock()
	nm.outbound[peerID] = &outboundHalf{sock: sock, codec: codec}
	nm.tryAssembleLocked(peerID)
	nm.mu.Unlock()
	return nil
}

// acceptLoop runs for the lifetime of the node, accepting every inbound
// peer connection and running the responder handshake. It does not
// participate in the errgroup in Start because inbound connections may
// still arrive after every outbound dial has finished. A later inbound
// connection from a peer whose inbound half is already set is closed.
func (nm *NetworkManager) acceptLoop(ctx context.Context, ln *transport.Listener) {
	defer ln.Close()
	for {
		sock, err := ln.Accept(nm.timeout)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("peer: accept error: %v", err)
				continue
			}
		}

		go func() {
			if !nm.isAllowListedAddr(sock.PeerName()) {
				log.Printf("peer: inbound connection from non-allow-listed address %s, closing", sock.PeerName())
				sock.Close()
				return
			}

			// Reserve this remote address for the duration of the
			// handshake before running it, so a second accept from the
			// same address while one is already in progress is dropped
			// immediately rather than racing it through AcceptHandshake
			// too, matching peer_acceptor.cc's pending_connections_
			// check in OnAccept().
			addr := addrHost(sock.PeerName())
			if !nm.reserveInbound(addr) {
				log.Printf("peer: inbound connection from %s while a handshake from that address is still in progress, closing", sock.PeerName())
				sock.Close()
				return
			}
			defer nm.releaseInbound(addr)

			codec := wire.NewCodec(sock, sock, wire.ServerRole, nm.tempDir)
			peerID, err := AcceptHandshake(codec, nm.selfID, nm.password)
			if err != nil {
				log.Printf("peer: inbound handshake failed: %v", err)
				sock.Close()
				return
			}
			if !nm.isExpectedPeer(peerID) {
				log.Printf("peer: inbound handshake from unexpected node %d, closing", peerID)
				sock.Close()
				return
			}
			log.Printf("peer: inbound handshake with node %d complete", peerID)

			nm.mu.Lock()
			if _, exists := nm.inbound[peerID]; exists {
				// Ignore a re-accept mid-handshake; the existing
				// inbound connection is already in use.
				nm.mu.Unlock()
				sock.Close()
				return
			}
			nm.inbound[peerID] = &inboundHalf{sock: sock, codec: codec}
			nm.tryAssembleLocked(peerID)
			nm.mu.Unlock()
		}()
	}
}

func (nm *NetworkManager) isExpectedPeer(id wire.NodeID) bool {
	if id == nm.selfID {
		return false
	}
	return true
}

// addrHost strips the ephemeral port off a remote address, leaving the
// peer-identifying host used to key both the allow-list check and the
// in-progress-handshake dedup.
func addrHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// reserveInbound claims addr for an in-progress handshake, reporting
// false if another accepted connection from the same address is already
// mid-handshake. Pairs with releaseInbound.
func (nm *NetworkManager) reserveInbound(addr string) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if _, inProgress := nm.pendingInbound[addr]; inProgress {
		return false
	}
	nm.pendingInbound[addr] = struct{}{}
	return true
}

// releaseInbound frees addr once its handshake has finished, whatever
// the outcome.
func (nm *NetworkManager) releaseInbound(addr string) {
	nm.mu.Lock()
	delete(nm.pendingInbound, addr)
	nm.mu.Unlock()
}

// isAllowListedAddr implements spec.md §4.2's rule that the responder
// accepts a new inbound stream only if the source address is on its
// expected-peers list; the client dials from an ephemeral port, so only
// the host is compared.
func (nm *NetworkManager) isAllowListedAddr(remoteAddr string) bool {
	host := addrHost(remoteAddr)
	remoteIP := net.ParseIP(host)
	for _, loc := range nm.peerLocations {
		if loc.Host == host {
			return true
		}
		// "localhost" entries are written against a node's own
		// dial-in address, which is usually resolved to a loopback IP
		// by the OS resolver rather than kept as the literal string.
		if loc.Host == "localhost" && remoteIP != nil && remoteIP.IsLoopback() {
			return true
		}
	}
	return false
}

// tryAssembleLocked promotes a peer's outbound+inbound halves into a
// completed Link once both are present, and signals full connectivity
// once every expected peer has been assembled. Must be called with
// nm.mu held.
func (nm *NetworkManager) tryAssembleLocked(id wire.NodeID) {
	if _, already := nm.links[id]; already {
		return
	}
	out, haveOut := nm.outbound[id]
	in, haveIn := nm.inbound[id]
	if !haveOut || !haveIn {
		return
	}

	nm.links[id] = &Link{
		ID:      id,
		inSock:  in.sock,
		outSock: out.sock,
		in:      in.codec,
		out:     out.codec,
	}

	if len(nm.links) >= len(nm.peerLocations) {
		nm.connectedOnce.Do(func() { close(nm.connected) })
	}
}

// awaitFullMesh blocks until every peer location has a completed Link,
// or ctx is canceled.
func (nm *NetworkManager) awaitFullMesh(ctx context.Context) (map[wire.NodeID]*Link, error) {
	if len(nm.peerLocations) == 0 {
		return map[wire.NodeID]*Link{}, nil
	}
	select {
	case <-nm.connected:
		nm.mu.Lock()
		defer nm.mu.Unlock()
		snapshot := make(map[wire.NodeID]*Link, len(nm.links))
		for id, l := range nm.links {
			snapshot[id] = l
		}
		return snapshot, nil
	case <-ctx.Done():
		return nil, wire.Errorf(wire.IO, ctx.Err(), "peer mesh bring-up canceled")
	}
}
