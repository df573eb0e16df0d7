// Package clientrole implements the client-side workload driver: the
// state machine that enumerates a server's files, then alternates
// between mutex-guarded reads and fan-out writes against the server
// fleet, as described in spec.md §4.4.
package clientrole

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackson-nestelroad/nodectl/internal/config"
	"github.com/jackson-nestelroad/nodectl/internal/mutex"
	"github.com/jackson-nestelroad/nodectl/internal/transport"
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Driver runs one node's client-role workload loop against the server
// fleet named in the "servers" property, coordinating writes through a
// mutex.Engine keyed by filename. It is grounded on the client state
// list in spec.md §4.4: ConnectToServers, SendEnquiry,
// ReceiveEnquiryResponse, Wait, SendRead, ReceiveReadResponse,
// SendWrite, ReceiveWriteResponse, Stop — implemented as explicit
// methods driven by Run rather than a literal state-machine struct, per
// spec.md §9's design note that the states are the contract, not the
// implementation shape.
type Driver struct {
	selfID  wire.NodeID
	engine  *mutex.Engine
	servers []config.Location
	tempDir string
	timeout time.Duration
	retry   time.Duration

	rng *rand.Rand

	sockets []*transport.Socket
	codecs  []*wire.Codec
}

// New creates a Driver for selfID against the given server fan-out
// targets. Connections are established lazily by Run's
// ConnectToServers step.
func New(selfID wire.NodeID, engine *mutex.Engine, servers []config.Location, tempDir string, timeout, retry time.Duration) *Driver {
	return &Driver{
		selfID:  selfID,
		engine:  engine,
		servers: servers,
		tempDir: tempDir,
		timeout: timeout,
		retry:   retry,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(selfID))),
	}
}

// ConnectToServers dials every server fan-out target concurrently (one
// goroutine per target via errgroup), including the node's own server
// role if it appears in the "servers" list, matching spec.md's
// "N outbound TCP connections... including self" transition guard.
func (d *Driver) ConnectToServers(ctx context.Context) error {
	d.sockets = make([]*transport.Socket, len(d.servers))
	d.codecs = make([]*wire.Codec, len(d.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, loc := range d.servers {
		i, loc := i, loc
		g.Go(func() error {
			sock, err := transport.Dial(gctx, loc.String(), d.timeout, d.retry)
			if err != nil {
				return err
			}
			d.sockets[i] = sock
			d.codecs[i] = wire.NewCodec(sock, sock, wire.ClientRole, d.tempDir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return wire.Errorf(wire.IO, err, "connect to servers")
	}
	log.Printf("clientrole[%d]: connected to %d servers", d.selfID, len(d.servers))
	return nil
}

// Close sends a Shutdown on every server connection, so the server
// dispatcher can log a deliberate exit rather than a socket error, then
// tears every connection down. The Shutdown send is best-effort.
func (d *Driver) Close() {
	for i, s := range d.sockets {
		if s == nil {
			continue
		}
		if d.codecs[i] != nil {
			_ = d.codecs[i].WriteMessage(wire.ShutdownMessage{}.ToMessage())
		}
		s.Close()
	}
}

// SendEnquiry picks a uniformly random server and sends it an Enquiry.
func (d *Driver) SendEnquiry() (serverIdx int, err error) {
	idx, err := d.randomIndex(len(d.servers))
	if err != nil {
		return 0, err
	}
	if err := d.codecs[idx].WriteMessage(wire.EnquiryMessage{}.ToMessage()); err != nil {
		return 0, wire.Errorf(wire.IO, err, "send Enquiry to server %d", idx)
	}
	return idx, nil
}

// ReceiveEnquiryResponse awaits the server's Response and parses the
// comma-separated file list. An Error opcode is reported to the caller,
// which transitions the driver to Stop.
func (d *Driver) ReceiveEnquiryResponse(serverIdx int) ([]string, error) {
	msg, err := d.codecs[serverIdx].ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Opcode == wire.ErrorOp {
		e, _ := msg.ToError()
		return nil, wire.Errorf(wire.Protocol, nil, "server reported error on Enquiry: %s", e.Text)
	}
	resp, err := msg.ToResponse()
	if err != nil {
		return nil, err
	}
	return splitFileList(resp.Text), nil
}

// Wait sleeps for a uniform random 500-5000ms, then picks a new random
// target server and filename, and reports whether the next step should
// be a write (true) or a read (false), each with probability 0.5.
func (d *Driver) Wait(ctx context.Context, files []string) (serverIdx int, fileName string, isWrite bool, err error) {
	delay := time.Duration(500+d.rng.Intn(4501)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return 0, "", false, wire.Errorf(wire.IO, ctx.Err(), "wait canceled")
	}

	serverIdx, err = d.randomIndex(len(d.servers))
	if err != nil {
		return 0, "", false, err
	}
	fileIdx, err := d.randomIndex(len(files))
	if err != nil {
		return 0, "", false, err
	}
	return serverIdx, files[fileIdx], d.rng.Intn(2) == 1, nil
}

// SendRead enters the critical section for fileName, then sends a Read
// to the target server. The caller completes the step with
// ReceiveReadResponse, which invokes the returned release continuation.
func (d *Driver) SendRead(serverIdx int, fileName string) (release func(), err error) {
	release, err = d.engine.Enter(fileName)
	if err != nil {
		return nil, err
	}
	if err := d.codecs[serverIdx].WriteMessage(wire.ReadMessage{FileName: fileName}.ToMessage()); err != nil {
		release()
		return nil, wire.Errorf(wire.IO, err, "send Read to server %d", serverIdx)
	}
	return release, nil
}

// ReceiveReadResponse awaits the target server's Response, releases the
// critical section on success, and returns the last line read.
func (d *Driver) ReceiveReadResponse(serverIdx int, release func()) (string, error) {
	msg, err := d.codecs[serverIdx].ReadMessage()
	if err != nil {
		return "", err
	}
	if msg.Opcode == wire.ErrorOp {
		e, _ := msg.ToError()
		return "", wire.Errorf(wire.Protocol, nil, "server reported error on Read: %s", e.Text)
	}
	resp, err := msg.ToResponse()
	if err != nil {
		return "", err
	}
	release()
	return resp.Text, nil
}

// SendWrite enters the critical section for fileName, then fans out a
// Write carrying "(id, T)" (T the engine's clock at entry) to every
// server. The step only completes once every send has succeeded; a
// send failure is fatal, and per spec.md §4.4 the critical section is
// deliberately left unreleased, since the file is now inconsistent
// across the fleet.
func (d *Driver) SendWrite(ctx context.Context, fileName string) (release func(), err error) {
	release, err = d.engine.Enter(fileName)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("(%d, %d)", d.selfID, d.engine.Timestamp())

	g, _ := errgroup.WithContext(ctx)
	for _, codec := range d.codecs {
		codec := codec
		g.Go(func() error {
			return codec.WriteMessage(wire.WriteMessage{FileName: fileName, Line: line}.ToMessage())
		})
	}
	if err := g.Wait(); err != nil {
		return nil, wire.Errorf(wire.IO, err, "write fan-out to server fleet")
	}
	return release, nil
}

// ReceiveWriteResponse awaits an Ok from every server. On success it
// invokes release. Any Error response is fatal and, like SendWrite's
// send failures, leaves the critical section unreleased.
func (d *Driver) ReceiveWriteResponse(ctx context.Context, release func()) error {
	g, _ := errgroup.WithContext(ctx)
	for _, codec := range d.codecs {
		codec := codec
		g.Go(func() error {
			msg, err := codec.ReadMessage()
			if err != nil {
				return err
			}
			if msg.Opcode == wire.ErrorOp {
				e, _ := msg.ToError()
				return wire.Errorf(wire.Protocol, nil, "server reported error on Write: %s", e.Text)
			}
			_, err = msg.ToOk()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	release()
	return nil
}

// Run drives the full workload loop until ctx is canceled or a step
// reports an error that spec.md's Stop state treats as terminal:
// ConnectToServers, SendEnquiry, ReceiveEnquiryResponse, then an
// alternating Wait/(SendRead|SendWrite) loop.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.ConnectToServers(ctx); err != nil {
		return err
	}
	defer d.Close()

	serverIdx, err := d.SendEnquiry()
	if err != nil {
		return err
	}
	files, err := d.ReceiveEnquiryResponse(serverIdx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		nextServer, fileName, isWrite, err := d.Wait(ctx, files)
		if err != nil {
			return err
		}

		if isWrite {
			release, err := d.SendWrite(ctx, fileName)
			if err != nil {
				return err
			}
			if err := d.ReceiveWriteResponse(ctx, release); err != nil {
				return err
			}
			log.Printf("clientrole[%d]: wrote %q to the fleet", d.selfID, fileName)
		} else {
			release, err := d.SendRead(nextServer, fileName)
			if err != nil {
				return err
			}
			line, err := d.ReceiveReadResponse(nextServer, release)
			if err != nil {
				return err
			}
			log.Printf("clientrole[%d]: read %q from %s: %q", d.selfID, fileName, d.servers[nextServer], line)
		}
	}
}

func (d *Driver) randomIndex(n int) (int, error) {
	if n == 0 {
		return 0, wire.Errorf(wire.NotFound, nil, "cannot pick from an empty list")
	}
	return d.rng.Intn(n), nil
}

func splitFileList(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, strings.TrimSpace(p))
	}
	return names
}
