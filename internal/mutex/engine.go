// Package mutex implements the Lamport-clock-driven Ricart-Agrawala
// mutual exclusion engine with the Roucairol-Carvalho retained-
// permissions optimization, keyed by filename.
package mutex

import (
	"log"
	"sort"
	"sync"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// State is the engine's coarse local state.
type State int

const (
	Waiting State = iota
	Requesting
	InCriticalSection
)

// PeerSender is the minimal capability the engine needs from a peer
// link: fire-and-forget delivery of a mutex-protocol message.
type PeerSender interface {
	SendMessage(m wire.Message) error
}

type outstandingRequest struct {
	fileName  string
	timestamp uint64
	granted   chan struct{}
}

type delayedRequest struct {
	from wire.NodeID
	msg  wire.RequestMessage
}

// Engine runs one instance of the algorithm for one node. It is safe for
// concurrent use by the Enter caller and by every peer link's reader
// goroutine calling HandleMessage.
type Engine struct {
	selfID wire.NodeID

	mu             sync.Mutex
	clock          uint64
	state          State
	myRequest      *outstandingRequest
	havePermission map[wire.NodeID]map[string]struct{}
	delayed        []delayedRequest

	peers   map[wire.NodeID]PeerSender
	peerIDs []wire.NodeID
}

// New creates an engine for selfID with the given peer senders.
func New(selfID wire.NodeID, peers map[wire.NodeID]PeerSender) *Engine {
	ids := make([]wire.NodeID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &Engine{
		selfID:         selfID,
		havePermission: make(map[wire.NodeID]map[string]struct{}),
		peers:          peers,
		peerIDs:        ids,
	}
}

// Timestamp returns the engine's current Lamport clock value.
func (e *Engine) Timestamp() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

// Enter blocks until the caller holds the critical section for
// fileName, then returns a release function the caller must invoke
// exactly once to give it up. It fails with a MutexPrecondition error
// if a request is already outstanding.
func (e *Engine) Enter(fileName string) (release func(), err error) {
	e.mu.Lock()
	if e.myRequest != nil || e.state != Waiting {
		e.mu.Unlock()
		return nil, wire.Errorf(wire.MutexPrecondition, nil, "operation already in progress")
	}

	e.clock++
	ts := e.clock
	req := &outstandingRequest{fileName: fileName, timestamp: ts, granted: make(chan struct{})}
	e.myRequest = req
	e.state = Requesting

	var toRequest []wire.NodeID
	for _, id := range e.peerIDs {
		if _, ok := e.havePermission[id][fileName]; !ok {
			toRequest = append(toRequest, id)
		}
	}

	if len(toRequest) == 0 {
		// Roucairol-Carvalho: every peer's permission is already
		// retained, so enter immediately without sending a single
		// Request.
		e.state = InCriticalSection
		close(req.granted)
	}
	e.mu.Unlock()

	for _, id := range toRequest {
		log.Printf("mutex: sending Request to peer %d for %q", id, fileName)
		if err := e.peers[id].SendMessage(wire.RequestMessage{Timestamp: ts, FileName: fileName}.ToMessage()); err != nil {
			return nil, wire.Errorf(wire.IO, err, "send Request to peer %d", id)
		}
	}

	<-req.granted
	return func() { e.release(req) }, nil
}

func (e *Engine) release(req *outstandingRequest) {
	e.mu.Lock()
	if e.myRequest != req {
		e.mu.Unlock()
		return
	}
	e.myRequest = nil
	e.state = Waiting
	deferred := e.delayed
	e.delayed = nil
	e.mu.Unlock()

	for _, d := range deferred {
		e.handleRequest(d.from, d.msg)
	}
}

// HandleMessage processes a Request or Reply received from peer "from"
// on its peer link. An Error from the peer is returned as a Protocol
// error; any other opcode is ignored by the engine.
func (e *Engine) HandleMessage(from wire.NodeID, m wire.Message) error {
	switch m.Opcode {
	case wire.Reply:
		reply, err := m.ToReply()
		if err != nil {
			return err
		}
		e.handleReply(from, reply)
	case wire.Request:
		req, err := m.ToRequest()
		if err != nil {
			return err
		}
		e.handleRequest(from, req)
	case wire.ErrorOp:
		errMsg, _ := m.ToError()
		return wire.Errorf(wire.Protocol, nil, "peer %d reported error: %s", from, errMsg.Text)
	default:
		// Ignore invalid opcodes on the mutex link.
	}
	return nil
}

func (e *Engine) handleReply(from wire.NodeID, reply wire.ReplyMessage) {
	e.mu.Lock()
	e.bumpClock(reply.Timestamp)

	if e.havePermission[from] == nil {
		e.havePermission[from] = make(map[string]struct{})
	}
	e.havePermission[from][reply.FileName] = struct{}{}

	var toGrant *outstandingRequest
	if e.myRequest != nil && e.myRequest.fileName == reply.FileName && e.state == Requesting {
		if e.allPermissionsHeldLocked(reply.FileName) {
			e.state = InCriticalSection
			toGrant = e.myRequest
		}
	}
	e.mu.Unlock()

	if toGrant != nil {
		close(toGrant.granted)
	}
}

func (e *Engine) handleRequest(from wire.NodeID, req wire.RequestMessage) {
	e.mu.Lock()
	e.bumpClock(req.Timestamp)

	var reply *wire.ReplyMessage

	switch e.state {
	case Waiting:
		e.revokePermissionLocked(from, req.FileName)
		reply = &wire.ReplyMessage{Timestamp: e.clock, FileName: req.FileName}

	case InCriticalSection:
		e.delayed = append(e.delayed, delayedRequest{from: from, msg: req})

	case Requesting:
		mine := e.myRequest
		if mine.fileName != req.FileName {
			e.revokePermissionLocked(from, req.FileName)
			reply = &wire.ReplyMessage{Timestamp: e.clock, FileName: req.FileName}
		} else if e.hasPriorityLocked(mine, from, req.Timestamp) {
			// I have priority for this same filename; defer their
			// request until I release.
			e.delayed = append(e.delayed, delayedRequest{from: from, msg: req})
		} else {
			// They have priority. Reply now, but per the source's
			// literal (and spec-preserved) behavior, do not touch
			// havePermission for "from": my own outstanding Request
			// still expects a later Reply from them.
			reply = &wire.ReplyMessage{Timestamp: e.clock, FileName: req.FileName}
		}
	}
	e.mu.Unlock()

	if reply != nil {
		if err := e.peers[from].SendMessage(reply.ToMessage()); err != nil {
			log.Printf("mutex: failed to send Reply to peer %d: %v", from, err)
		}
	}
}

// hasPriorityLocked reports whether my outstanding request for the same
// filename has priority over a request just received from "from" with
// timestamp ts, via the (timestamp, id) lexicographic tie-break.
func (e *Engine) hasPriorityLocked(mine *outstandingRequest, from wire.NodeID, ts uint64) bool {
	if mine.timestamp != ts {
		return mine.timestamp < ts
	}
	return e.selfID < from
}

func (e *Engine) revokePermissionLocked(peer wire.NodeID, fileName string) {
	if set, ok := e.havePermission[peer]; ok {
		delete(set, fileName)
	}
}

func (e *Engine) allPermissionsHeldLocked(fileName string) bool {
	for _, id := range e.peerIDs {
		if _, ok := e.havePermission[id][fileName]; !ok {
			return false
		}
	}
	return true
}

// bumpClock applies the Lamport receive rule: T <- max(T, ts+1).
func (e *Engine) bumpClock(ts uint64) {
	if ts+1 > e.clock {
		e.clock = ts + 1
	}
}
