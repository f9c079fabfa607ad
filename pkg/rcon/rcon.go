// Package rcon provides short-lived authenticated command channels to
// running instances over the Source RCON protocol.
//
// Every call dials a fresh connection to localhost, authenticates with
// the instance's password, issues one command, and closes. Connections
// never outlive the call, so a stopped or restarted instance can never
// be reached through a stale channel.
package rcon

import (
	"fmt"
	"time"

	"github.com/gorcon/rcon"

	"github.com/cubeforge/minefleet/pkg/types"
)

// CallTimeout bounds dial, auth, and command execution per call
const CallTimeout = 5 * time.Second

// Client issues one-shot RCON commands against local instances
type Client struct {
	timeout time.Duration
}

// NewClient creates an RCON client with the default per-call timeout.
func NewClient() *Client {
	return &Client{timeout: CallTimeout}
}

// Exec connects to localhost:<port>, authenticates, runs the command,
// and returns the reply. Connection and authentication failures come
// back as ErrRconUnavailable with the underlying cause wrapped.
func (c *Client) Exec(port uint16, password, command string) (string, error) {
	addr := fmt.Sprintf("localhost:%d", port)

	conn, err := rcon.Dial(addr, password,
		rcon.SetDialTimeout(c.timeout),
		rcon.SetDeadline(c.timeout),
	)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", types.ErrRconUnavailable, addr, err)
	}
	defer conn.Close()

	reply, err := conn.Execute(command)
	if err != nil {
		return "", fmt.Errorf("%w: execute on %s: %v", types.ErrRconUnavailable, addr, err)
	}
	return reply, nil
}

// ExecInstance runs a command against an instance's declared RCON port.
func (c *Client) ExecInstance(inst *types.Instance, command string) (string, error) {
	return c.Exec(inst.RconPort, inst.RconPassword, command)
}
