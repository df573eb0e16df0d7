package mutex

import (
	"sync"
	"testing"
	"time"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// directLink delivers a SendMessage call straight into the target
// engine's HandleMessage, standing in for a real peer link so these
// tests exercise only the algorithm.
type directLink struct {
	from wire.NodeID
	to   *Engine
}

func (l *directLink) SendMessage(m wire.Message) error {
	return l.to.HandleMessage(l.from, m)
}

// countingLink wraps a directLink and counts Request sends, used to
// verify the retained-permission optimization sends zero messages on
// re-entry.
type countingLink struct {
	*directLink
	requests *int
}

func (l *countingLink) SendMessage(m wire.Message) error {
	if m.Opcode == wire.Request {
		*l.requests++
	}
	return l.directLink.SendMessage(m)
}

func twoNodeEngines(t *testing.T) (a, b *Engine, requestsFromA *int) {
	t.Helper()
	requestsFromA = new(int)

	var engA, engB *Engine
	engA = New(1, nil)
	engB = New(2, nil)

	engA.peers = map[wire.NodeID]PeerSender{2: &countingLink{&directLink{from: 1, to: engB}, requestsFromA}}
	engA.peerIDs = []wire.NodeID{2}
	engB.peers = map[wire.NodeID]PeerSender{1: &directLink{from: 2, to: engA}}
	engB.peerIDs = []wire.NodeID{1}

	return engA, engB, requestsFromA
}

func TestTwoNodeSingleWrite(t *testing.T) {
	a, _, _ := twoNodeEngines(t)

	release, err := a.Enter("file.txt")
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	release()
}

func TestRetainedPermissionSkipsRequest(t *testing.T) {
	a, _, requests := twoNodeEngines(t)

	release, err := a.Enter("f")
	if err != nil {
		t.Fatalf("first Enter: %v", err)
	}
	release()
	if *requests == 0 {
		t.Fatalf("expected at least one Request on first entry, got %d", *requests)
	}

	before := *requests
	release2, err := a.Enter("f")
	if err != nil {
		t.Fatalf("second Enter: %v", err)
	}
	release2()
	if *requests != before {
		t.Errorf("expected zero additional Requests on retained-permission re-entry, sent %d", *requests-before)
	}
}

func TestMutexPreconditionViolation(t *testing.T) {
	a := New(1, map[wire.NodeID]PeerSender{})

	// Fabricate a peer so Enter doesn't immediately grant (no peers ==
	// immediate grant), forcing the first request to stay outstanding.
	blocked := New(2, nil)
	a.peers = map[wire.NodeID]PeerSender{2: &blockingLink{blocked}}
	a.peerIDs = []wire.NodeID{2}

	done := make(chan struct{})
	go func() {
		_, _ = a.Enter("f")
		close(done)
	}()

	// Give the first Enter a moment to register as outstanding.
	time.Sleep(20 * time.Millisecond)

	if _, err := a.Enter("f"); err == nil {
		t.Fatal("expected MutexPrecondition error on concurrent Enter")
	}
}

// blockingLink never replies, so the Enter call that uses it stays
// outstanding indefinitely for the duration of a test.
type blockingLink struct {
	to *Engine
}

func (l *blockingLink) SendMessage(m wire.Message) error { return nil }

// queuedLink holds every message sent on it in out until the test
// delivers it by hand, so the test decides when each Request and Reply
// arrives.
type queuedLink struct {
	out chan wire.Message
}

func (l *queuedLink) SendMessage(m wire.Message) error {
	l.out <- m
	return nil
}

func TestDifferentFilenamesIndependent(t *testing.T) {
	// A requests "x" and B requests "y" before either Request is
	// delivered. Each engine is still Requesting its own filename when
	// the other's Request arrives, so each Replies at once and both hold
	// their critical sections at the same time. (A node already inside
	// its critical section defers every Request, whatever the filename.)
	engA := New(1, nil)
	engB := New(2, nil)
	toB := &queuedLink{out: make(chan wire.Message, 4)}
	toA := &queuedLink{out: make(chan wire.Message, 4)}
	engA.peers = map[wire.NodeID]PeerSender{2: toB}
	engA.peerIDs = []wire.NodeID{2}
	engB.peers = map[wire.NodeID]PeerSender{1: toA}
	engB.peerIDs = []wire.NodeID{1}

	grantedA := make(chan func(), 1)
	grantedB := make(chan func(), 1)
	go func() {
		r, err := engA.Enter("x")
		if err != nil {
			t.Errorf("a.Enter(x): %v", err)
			return
		}
		grantedA <- r
	}()
	go func() {
		r, err := engB.Enter("y")
		if err != nil {
			t.Errorf("b.Enter(y): %v", err)
			return
		}
		grantedB <- r
	}()

	reqX := <-toB.out // A is now Requesting "x"
	reqY := <-toA.out // B is now Requesting "y"
	if err := engB.HandleMessage(1, reqX); err != nil {
		t.Fatalf("B handling Request(x): %v", err)
	}
	if err := engA.HandleMessage(2, reqY); err != nil {
		t.Fatalf("A handling Request(y): %v", err)
	}
	if err := engA.HandleMessage(2, <-toA.out); err != nil {
		t.Fatalf("A handling Reply(x): %v", err)
	}
	if err := engB.HandleMessage(1, <-toB.out); err != nil {
		t.Fatalf("B handling Reply(y): %v", err)
	}

	var relA, relB func()
	select {
	case relA = <-grantedA:
	case <-time.After(time.Second):
		t.Fatal("A was never granted the critical section for x")
	}
	select {
	case relB = <-grantedB:
	case <-time.After(time.Second):
		t.Fatal("B was never granted the critical section for y while A held x")
	}
	relA()
	relB()
}

func TestDeferredRequestDrainsOnRelease(t *testing.T) {
	// A already holds the critical section for "f" when B requests it;
	// B's Request hits the InCriticalSection branch (a plain delayed-
	// queue append, not the tie-break) and must not be granted until A
	// releases.
	a, b, _ := twoNodeEngines(t)

	var relA func()
	doneA := make(chan struct{})
	go func() {
		r, err := a.Enter("f")
		if err != nil {
			t.Errorf("a.Enter: %v", err)
			close(doneA)
			return
		}
		relA = r
		close(doneA)
	}()
	<-doneA

	bGranted := make(chan struct{})
	go func() {
		r, err := b.Enter("f")
		if err != nil {
			t.Errorf("b.Enter: %v", err)
			return
		}
		close(bGranted)
		r()
	}()

	select {
	case <-bGranted:
		t.Fatal("B entered critical section while A still held it")
	case <-time.After(30 * time.Millisecond):
	}

	relA()

	select {
	case <-bGranted:
	case <-time.After(time.Second):
		t.Fatal("B never entered after A released")
	}
}

// onceBarrierLink delivers a SendMessage straight into the target
// engine's HandleMessage, like directLink, but the very first call on
// each link instance rendezvouses on wg first: it does not proceed
// until every link sharing wg has also made its first send attempt.
// Wiring two of these opposite-direction links to a shared
// *sync.WaitGroup{} sized for both directions forces both engines'
// initial Request sends — and therefore both engines' transition to
// Requesting — to have already happened before either message is
// actually delivered, producing a genuine (not merely sequenced) race
// between two Requesting-state engines for the same filename. Replies
// sent later over the same link instance skip the rendezvous, since
// sync.Once only fires once.
type onceBarrierLink struct {
	from wire.NodeID
	to   *Engine
	wg   *sync.WaitGroup
	once sync.Once
}

func (l *onceBarrierLink) SendMessage(m wire.Message) error {
	l.once.Do(func() {
		l.wg.Done()
		l.wg.Wait()
	})
	return l.to.HandleMessage(l.from, m)
}

func TestSymmetricRaceLowerIDWins(t *testing.T) {
	// spec.md §8's worked example: A and B request the same filename
	// with the same Lamport timestamp before either observes the
	// other's request. Lower node ID must win the tie-break in
	// handleRequest's Requesting-state branch, and the loser must be
	// deferred rather than granted.
	engA := New(1, nil)
	engB := New(2, nil)

	wg := &sync.WaitGroup{}
	wg.Add(2)
	engA.peers = map[wire.NodeID]PeerSender{2: &onceBarrierLink{from: 1, to: engB, wg: wg}}
	engA.peerIDs = []wire.NodeID{2}
	engB.peers = map[wire.NodeID]PeerSender{1: &onceBarrierLink{from: 2, to: engA, wg: wg}}
	engB.peerIDs = []wire.NodeID{1}

	grantedA := make(chan func(), 1)
	grantedB := make(chan func(), 1)
	go func() {
		r, err := engA.Enter("f")
		if err != nil {
			t.Errorf("A.Enter: %v", err)
			return
		}
		grantedA <- r
	}()
	go func() {
		r, err := engB.Enter("f")
		if err != nil {
			t.Errorf("B.Enter: %v", err)
			return
		}
		grantedB <- r
	}()

	var releaseA func()
	select {
	case releaseA = <-grantedA:
	case <-time.After(time.Second):
		t.Fatal("lower-ID node A was never granted the critical section")
	}

	select {
	case <-grantedB:
		t.Fatal("higher-ID node B entered the critical section before A released")
	case <-time.After(30 * time.Millisecond):
	}

	releaseA()

	select {
	case <-grantedB:
	case <-time.After(time.Second):
		t.Fatal("B never entered after A released")
	}
}

func TestClockMonotonic(t *testing.T) {
	a, _, _ := twoNodeEngines(t)
	before := a.Timestamp()
	release, err := a.Enter("f")
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	release()
	if a.Timestamp() < before {
		t.Errorf("clock decreased: before=%d after=%d", before, a.Timestamp())
	}
}
