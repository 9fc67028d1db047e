package core

import (
	"context"
	"errors"

	"github.com/weftmesh/weft/state"
)

// Delivery is an application payload that reached this node.
type Delivery struct {
	From    state.PeerId
	Payload []byte
}

// DeliveryFailure reports a payload dropped after route discovery timed out
// or the pending queue overflowed.
type DeliveryFailure struct {
	Dest   state.PeerId
	Reason error
}

// LinkEvent reports a link status transition.
type LinkEvent struct {
	Peer   state.PeerId
	Status state.LinkStatus
}

var ErrNodeStopped = errors.New("node is stopped")

// Node is the application handle onto a running weft instance.
type Node struct {
	s        *state.State
	env      *state.Env
	fwd      *Forwarder
	done     chan struct{}
	recv     chan Delivery
	failures chan DeliveryFailure
	events   chan LinkEvent
}

func newNode(s *state.State) *Node {
	n := &Node{
		s:        s,
		env:      s.Env,
		fwd:      Get[*Forwarder](s),
		done:     make(chan struct{}),
		recv:     make(chan Delivery, 128),
		failures: make(chan DeliveryFailure, 32),
		events:   make(chan LinkEvent, 32),
	}
	n.fwd.attach(n)
	return n
}

func (n *Node) Id() state.PeerId {
	return n.env.Keys.Id()
}

// Send routes payload toward dest. The call is asynchronous: transport-level
// success is not acknowledged, and discovery failures surface on Failures().
func (n *Node) Send(dest state.PeerId, payload []byte) error {
	if n.env.Context.Err() != nil {
		return ErrNodeStopped
	}
	return n.fwd.Send(dest, payload)
}

// Receive delivers payloads addressed to this node.
func (n *Node) Receive() <-chan Delivery {
	return n.recv
}

// Failures delivers asynchronous delivery-failure notifications.
func (n *Node) Failures() <-chan DeliveryFailure {
	return n.failures
}

// Events delivers link status transitions.
func (n *Node) Events() <-chan LinkEvent {
	return n.events
}

// Status returns a copy-on-read topology snapshot.
func (n *Node) Status(ctx context.Context) (*state.TopologySnapshot, error) {
	res, err := n.env.DispatchWait(func(s *state.State) (any, error) {
		return s.Snapshot(), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.TopologySnapshot), nil
}

// Stop shuts the node down and waits for the dispatch loop to drain.
func (n *Node) Stop() {
	n.env.Cancel(context.Canceled)
	<-n.done
}

// Wait blocks until the node has fully stopped.
func (n *Node) Wait() error {
	<-n.done
	if cause := context.Cause(n.env.Context); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func (n *Node) markDone() {
	close(n.done)
}

func (n *Node) notifyDelivery(d Delivery) {
	select {
	case n.recv <- d:
	default:
		// receiver not draining; drop rather than stall the pipeline
	}
}

func (n *Node) notifyFailure(f DeliveryFailure) {
	select {
	case n.failures <- f:
	default:
	}
}

func (n *Node) notifyLink(e LinkEvent) {
	select {
	case n.events <- e:
	default:
	}
}
