package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Options holds the parsed command-line flags, matching spec.md §6's
// flag table exactly (long form, short form, default, required-ness).
type Options struct {
	Help bool

	Server bool
	Client bool

	ID   int
	Port int

	PropsFile string
	TempDir   string

	Timeout      time.Duration
	RetryTimeout time.Duration
}

// ParseArgs parses args (excluding the program name) into Options.
func ParseArgs(args []string) (*Options, error) {
	fs := pflag.NewFlagSet("nodectl", pflag.ContinueOnError)

	opts := &Options{}
	fs.BoolVarP(&opts.Help, "help", "h", false, "usage")
	fs.BoolVarP(&opts.Server, "server", "s", false, "enable server role")
	fs.BoolVarP(&opts.Client, "client", "c", false, "enable client role")
	id := fs.IntP("id", "i", 0, "integer node ID, >0")
	propsFile := fs.StringP("props_file", "r", "", "path to properties file")
	tempDir := fs.StringP("temp_dir", "w", ".nodectl_temp", "staging directory for received transfers")
	timeoutMS := fs.IntP("timeout", "t", 60000, "socket poll timeout (ms)")
	retryMS := fs.IntP("retry_timeout", "e", 15000, "connect-retry interval (ms)")
	port := fs.IntP("port", "p", 0, "listening port for peer / server role, 1..65535")

	if err := fs.Parse(args); err != nil {
		return nil, wire.Errorf(wire.Configuration, err, "parse flags")
	}

	opts.ID = *id
	opts.PropsFile = *propsFile
	opts.TempDir = *tempDir
	opts.Timeout = time.Duration(*timeoutMS) * time.Millisecond
	opts.RetryTimeout = time.Duration(*retryMS) * time.Millisecond
	opts.Port = *port

	if opts.Help {
		return opts, nil
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) validate() error {
	if o.Server == o.Client {
		return wire.Errorf(wire.Configuration, nil, "exactly one of --server and --client must be set")
	}
	if o.ID <= 0 || o.ID > 254 {
		return wire.Errorf(wire.Configuration, nil, "--id is required and must be in 1..254 (255 is reserved)")
	}
	if o.PropsFile == "" {
		return wire.Errorf(wire.Configuration, nil, "--props_file is required")
	}
	if o.Port < 1 || o.Port > 65535 {
		return wire.Errorf(wire.Configuration, nil, "--port must be in 1..65535")
	}
	return nil
}
