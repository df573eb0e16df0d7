package clientrole

import (
	"context"
	"testing"
	"time"

	"github.com/jackson-nestelroad/nodectl/internal/config"
	"github.com/jackson-nestelroad/nodectl/internal/mutex"
	"github.com/jackson-nestelroad/nodectl/internal/transport"
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// fakeServer answers exactly the request sequence a single-cycle test
// needs, standing in for serverrole.Serve so these tests exercise only
// the driver.
func fakeServer(t *testing.T, port int, files string, line string) {
	t.Helper()
	ln, err := transport.Listen(port)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		sock, err := ln.Accept(time.Second)
		if err != nil {
			return
		}
		defer sock.Close()
		codec := wire.NewCodec(sock, sock, wire.ServerRole, t.TempDir())

		msg, err := codec.ReadMessage()
		if err != nil || msg.Opcode != wire.Enquiry {
			return
		}
		codec.WriteMessage(wire.ResponseMessage{Text: files}.ToMessage())

		msg, err = codec.ReadMessage()
		if err != nil {
			return
		}
		switch msg.Opcode {
		case wire.Read:
			codec.WriteMessage(wire.ResponseMessage{Text: line}.ToMessage())
		case wire.Write:
			codec.WriteMessage(wire.OkMessage{}.ToMessage())
		}
	}()
	t.Cleanup(func() { ln.Close() })
}

func newLoopbackDriver(t *testing.T, port int) *Driver {
	t.Helper()
	engine := mutex.New(1, map[wire.NodeID]mutex.PeerSender{})
	servers := []config.Location{{Host: "127.0.0.1", Port: port}}
	return New(1, engine, servers, t.TempDir(), time.Second, 20*time.Millisecond)
}

func TestEnquiryThenRead(t *testing.T) {
	const port = 19301
	fakeServer(t, port, "a.txt, b.txt", "last line")
	d := newLoopbackDriver(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.ConnectToServers(ctx); err != nil {
		t.Fatalf("ConnectToServers: %v", err)
	}
	defer d.Close()

	idx, err := d.SendEnquiry()
	if err != nil {
		t.Fatalf("SendEnquiry: %v", err)
	}
	files, err := d.ReceiveEnquiryResponse(idx)
	if err != nil {
		t.Fatalf("ReceiveEnquiryResponse: %v", err)
	}
	if len(files) != 2 || files[0] != "a.txt" || files[1] != "b.txt" {
		t.Fatalf("files = %v, want [a.txt b.txt]", files)
	}

	release, err := d.SendRead(idx, "a.txt")
	if err != nil {
		t.Fatalf("SendRead: %v", err)
	}
	line, err := d.ReceiveReadResponse(idx, release)
	if err != nil {
		t.Fatalf("ReceiveReadResponse: %v", err)
	}
	if line != "last line" {
		t.Errorf("line = %q, want %q", line, "last line")
	}
}

func TestWriteFanOut(t *testing.T) {
	const port = 19302
	fakeServer(t, port, "f.txt", "")
	d := newLoopbackDriver(t, port)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.ConnectToServers(ctx); err != nil {
		t.Fatalf("ConnectToServers: %v", err)
	}
	defer d.Close()

	if _, err := d.SendEnquiry(); err != nil {
		t.Fatalf("SendEnquiry: %v", err)
	}
	if _, err := d.ReceiveEnquiryResponse(0); err != nil {
		t.Fatalf("ReceiveEnquiryResponse: %v", err)
	}

	release, err := d.SendWrite(ctx, "f.txt")
	if err != nil {
		t.Fatalf("SendWrite: %v", err)
	}
	if err := d.ReceiveWriteResponse(ctx, release); err != nil {
		t.Fatalf("ReceiveWriteResponse: %v", err)
	}
}

func TestSplitFileList(t *testing.T) {
	cases := map[string][]string{
		"":            nil,
		"a.txt":       {"a.txt"},
		"a.txt, b.txt": {"a.txt", "b.txt"},
	}
	for in, want := range cases {
		got := splitFileList(in)
		if len(got) != len(want) {
			t.Errorf("splitFileList(%q) = %v, want %v", in, got, want)
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("splitFileList(%q)[%d] = %q, want %q", in, i, got[i], want[i])
			}
		}
	}
}

func TestRandomIndexEmptyList(t *testing.T) {
	d := newLoopbackDriver(t, 0)
	if _, err := d.randomIndex(0); err == nil {
		t.Fatal("expected error picking from an empty list")
	}
}
