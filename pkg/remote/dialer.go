package remote

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tomjamescn/yawe/pkg/config"
)

// Dialer hands out one cached client per configured host alias. Tasks run
// one at a time, so no locking is needed.
type Dialer struct {
	hosts   map[string]config.Host
	logger  *slog.Logger
	clients map[string]*Client
}

func NewDialer(hosts map[string]config.Host, logger *slog.Logger) *Dialer {
	return &Dialer{
		hosts:   hosts,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Client returns the client for a host alias, creating it on first use.
// The connection itself is dialed lazily on the first command.
func (d *Dialer) Client(alias string) (*Client, error) {
	if client, ok := d.clients[alias]; ok {
		return client, nil
	}

	host, ok := d.hosts[alias]
	if !ok {
		known := make([]string, 0, len(d.hosts))
		for name := range d.hosts {
			known = append(known, name)
		}

		sort.Strings(known)

		return nil, fmt.Errorf("host '%s' not configured (known hosts: %s)", alias, strings.Join(known, ", "))
	}

	client := NewClient(alias, host, d.logger)
	d.clients[alias] = client

	return client, nil
}

// CloseAll drops every cached connection.
func (d *Dialer) CloseAll() {
	for _, client := range d.clients {
		client.Close()
	}
}
