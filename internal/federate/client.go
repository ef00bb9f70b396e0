// Package federate implements the federate side of the startup
// exchange: connect to the RTI, propose an earliest feasible start
// instant, and adopt the agreed instant from the reply.
package federate

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ReactorMesh/federation-rti/internal/wire"
)

// Client negotiates a logical start time with the RTI.
type Client struct {
	// Addr is the RTI's host:port.
	Addr string
}

// Negotiate dials the RTI, sends the proposal, and blocks until the
// agreed start instant arrives. Dial and exchange honor ctx deadlines.
func (c *Client) Negotiate(ctx context.Context, proposal int64) (int64, error) {
	if c.Addr == "" {
		return 0, fmt.Errorf("federate: rti address required")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return 0, fmt.Errorf("federate: connect to rti: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, fmt.Errorf("federate: set deadline: %w", err)
		}
	}

	if err := wire.WriteMessage(conn, wire.Message{Type: wire.MsgTimestamp, Instant: proposal}); err != nil {
		return 0, fmt.Errorf("federate: send proposal: %w", err)
	}

	reply, err := wire.ReadMessage(conn)
	if err != nil {
		// Tolerate a reply with an unexpected tag the same way the
		// RTI tolerates one in a proposal.
		var typeErr *wire.UnexpectedTypeError
		if !errors.As(err, &typeErr) {
			return 0, fmt.Errorf("federate: read agreed start time: %w", err)
		}
	}
	return reply.Instant, nil
}
