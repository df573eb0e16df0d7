// Command nodectl runs a single cluster node's server role or client
// role, per spec.md §6. A full cluster runs one nodectl process per
// role per node, sharing the same --id and properties file.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackson-nestelroad/nodectl/internal/clientrole"
	"github.com/jackson-nestelroad/nodectl/internal/config"
	"github.com/jackson-nestelroad/nodectl/internal/mutex"
	"github.com/jackson-nestelroad/nodectl/internal/peer"
	"github.com/jackson-nestelroad/nodectl/internal/serverrole"
	"github.com/jackson-nestelroad/nodectl/internal/transport"
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

func main() {
	opts, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, usage)
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
	if opts.Help {
		fmt.Fprintln(os.Stdout, usage)
		return
	}

	role := "client"
	if opts.Server {
		role = "server"
	}
	log.SetPrefix(fmt.Sprintf("[%s:%d] ", role, opts.ID))

	if err := run(opts); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

const usage = `nodectl --server|--client --id N --props_file F --port P [options]

  -s, --server              enable server role
  -c, --client              enable client role
  -i, --id int              integer node ID, 1..254 (required)
  -r, --props_file string   path to properties file (required)
  -p, --port int            listening port for peer/server role, 1..65535 (required)
  -w, --temp_dir string     staging directory for received transfers (default ".nodectl_temp")
  -t, --timeout int         socket poll timeout in ms (default 60000)
  -e, --retry_timeout int   connect-retry interval in ms (default 15000)
  -h, --help                usage`

// run loads configuration shared by both roles, installs the SIGINT/
// SIGTERM shutdown hook described in spec.md §9(c) (SIGKILL is never
// registered — it is uncatchable, so the source's registration was a
// no-op), and dispatches to the requested role.
func run(opts *config.Options) error {
	props, err := config.Load(opts.PropsFile, opts.Port)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return wire.Errorf(wire.Configuration, err, "create temp dir %q", opts.TempDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		cancel()
	}()

	if opts.Server {
		return runServer(ctx, opts, props)
	}
	return runClient(ctx, opts, props)
}

// runServer brings up the file service and accepts client connections,
// dispatching each to serverrole.Serve until ctx is canceled.
func runServer(ctx context.Context, opts *config.Options, props *config.Properties) error {
	files, err := serverrole.NewFileService(props.RootDir)
	if err != nil {
		return err
	}

	ln, err := transport.Listen(opts.Port)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("serverrole: listening on port %d, serving %s", opts.Port, props.RootDir)

	for {
		sock, err := ln.Accept(opts.Timeout)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("serverrole: accept error: %v", err)
				continue
			}
		}
		go func() {
			defer sock.Close()
			codec := wire.NewCodec(sock, sock, wire.ServerRole, opts.TempDir)

			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-ctx.Done():
					// The node is shutting down while this client is
					// still connected. Tell it so before the socket
					// close below interrupts its blocked read.
					_ = codec.WriteMessage(wire.ShutdownMessage{}.ToMessage())
					sock.Close()
				case <-done:
				}
			}()

			if err := serverrole.Serve(codec, files, sock.PeerName()); err != nil {
				log.Printf("serverrole: connection from %s ended: %v", sock.PeerName(), err)
			}
		}()
	}
}

// runClient brings up the peer mesh, wires the mutex engine to it, and
// runs the workload driver against the server fleet. A fatal error on
// any peer link (spec.md §4.3's failure model) aborts the whole node.
func runClient(ctx context.Context, opts *config.Options, props *config.Properties) error {
	selfID := wire.NodeID(opts.ID)

	nm := peer.NewNetworkManager(selfID, selfHost(), opts.Port, props.Password, props.Clients, opts.Timeout, opts.RetryTimeout, opts.TempDir)
	links, err := nm.Start(ctx)
	if err != nil {
		return err
	}

	senders := make(map[wire.NodeID]mutex.PeerSender, len(links))
	for id, l := range links {
		senders[id] = l
	}
	engine := mutex.New(selfID, senders)

	var fatalOnce sync.Once
	for _, l := range links {
		l := l
		go func() {
			err := l.Serve(engine.HandleMessage)
			fatalOnce.Do(func() {
				log.Printf("peer: link to node %d failed: %v", l.ID, err)
				// The mutex engine has no cancellation path for an
				// Enter call already blocked on a Reply that will now
				// never arrive, so a broken peer link is unrecoverable
				// for the whole node, per spec.md §4.3's failure model
				// ("no recovery"): abort rather than hang.
				log.Printf("peer: aborting node after unrecoverable peer link failure")
				os.Exit(1)
			})
		}()
	}

	driver := clientrole.New(selfID, engine, props.Servers, opts.TempDir, opts.Timeout, opts.RetryTimeout)
	return driver.Run(ctx)
}

// selfHost reports the host name this node presents for peer
// self-filtering (DESIGN.md Open Question (b)), falling back to
// "localhost" when it cannot be determined.
func selfHost() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
