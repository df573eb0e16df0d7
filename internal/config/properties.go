// Package config loads the node's .properties file into a Properties
// value and its command-line flags into an Options value.
package config

import (
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Location is a host:port pair, matching spec.md's "Location" type.
type Location struct {
	Host string
	Port int
}

func (l Location) String() string {
	return l.Host + ":" + strconv.Itoa(l.Port)
}

// Equal ignores port when either side's port is zero, the sentinel for
// "any port," matching spec.md §3's Location equality rule.
func (l Location) Equal(other Location) bool {
	if l.Host != other.Host {
		return false
	}
	if l.Port == 0 || other.Port == 0 {
		return true
	}
	return l.Port == other.Port
}

// Properties holds the parsed .properties file contents.
type Properties struct {
	Servers  []Location // "servers": client -> server fan-out targets
	Clients  []Location // "clients": peer mesh addresses
	Password string
	RootDir  string
}

// Load reads and parses the properties file at path. defaultPort is used
// for any "clients" entry that omits an explicit port, per spec.md §6.
func Load(path string, defaultPort int) (*Properties, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, wire.Errorf(wire.Configuration, err, "load properties file %q", path)
	}

	servers, err := parseLocationList(p.GetString("servers", ""), defaultPort, true)
	if err != nil {
		return nil, err
	}
	clients, err := parseLocationList(p.GetString("clients", ""), defaultPort, false)
	if err != nil {
		return nil, err
	}

	return &Properties{
		Servers:  servers,
		Clients:  clients,
		Password: p.GetString("password", ""),
		RootDir:  p.GetString("root_dir", ""),
	}, nil
}

// parseLocationList parses a comma-separated host:port (or bare host)
// list. requirePort rejects entries with no port at all (used for
// "servers", which spec.md requires fully qualified).
func parseLocationList(raw string, defaultPort int, requirePort bool) ([]Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, wire.Errorf(wire.Configuration, nil, "property is empty or missing")
	}

	var locations []Location
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, wire.Errorf(wire.Configuration, nil, "malformed location entry")
		}
		host, portStr, found := strings.Cut(entry, ":")
		port := defaultPort
		if found {
			p, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, wire.Errorf(wire.Configuration, err, "malformed port in %q", entry)
			}
			port = p
		} else if requirePort {
			return nil, wire.Errorf(wire.Configuration, nil, "location %q missing port", entry)
		}
		locations = append(locations, Location{Host: host, Port: port})
	}
	return locations, nil
}
