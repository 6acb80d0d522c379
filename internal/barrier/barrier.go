// Package barrier implements the global client/server barrier used to
// align the start and stop points of a benchmark run: every participant
// posts a zero-length receive, sends a zero-length signaled message,
// then waits for its peers' acknowledgements before proceeding. It rides
// the data-plane QPs rather than the control-plane sockets so the
// rendezvous measures the same fabric path the run is about to
// exercise. The companion per-connection receive-budget discipline
// (engine.ReceiveBudget) lives in internal/engine, since rc.go's own
// posting path needs it and importing this package from there would
// cycle back through engine.Connection.
package barrier

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/rdma-manager/internal/engine"
)

// Peer is the minimal surface a barrier needs from an RC connection;
// engine.Connection satisfies it directly.
type Peer interface {
	Send(src []byte, signaled bool) error
	PostReceive(dest []byte) error
	PollSend(block bool) (*engine.Completion, error)
	PollReceive(block bool) (*engine.Completion, error)
}

// GlobalBarrierClient implements the client side of the global barrier:
// for each peer, post a zero-length receive, then send a zero-length
// signaled message, then wait for the receive to complete. Barriers ride
// the data-plane QPs rather than the control-plane sockets so they
// measure the same fabric path the benchmark is about to exercise.
func GlobalBarrierClient(peers []Peer) error {
	var g errgroup.Group
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			if err := p.PostReceive(nil); err != nil {
				return fmt.Errorf("barrier: post receive to peer %d: %w", i, err)
			}
			if err := p.Send(nil, true); err != nil {
				return fmt.Errorf("barrier: send to peer %d: %w", i, err)
			}
			if _, err := p.PollReceive(true); err != nil {
				return fmt.Errorf("barrier: await ack from peer %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GlobalBarrierServer implements the server side: for every connected
// client post a receive, await them all, then send zero-length
// acknowledgements back.
func GlobalBarrierServer(clients []Peer) error {
	var g errgroup.Group
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			if err := c.PostReceive(nil); err != nil {
				return fmt.Errorf("barrier: post receive from client %d: %w", i, err)
			}
			if _, err := c.PollReceive(true); err != nil {
				return fmt.Errorf("barrier: await client %d: %w", i, err)
			}
			if err := c.Send(nil, true); err != nil {
				return fmt.Errorf("barrier: ack client %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}
