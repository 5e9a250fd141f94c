package channel

import (
	"sync"

	"github.com/1ureka/interlink/internal/protocol"
)

// pipeEnd is one side of an in-process channel pair.
type pipeEnd struct {
	peer *pipeEnd
	in   *inbox

	// shared by both ends: closing either side severs the pair
	done      chan struct{}
	closeOnce *sync.Once
}

// Pipe returns two linked channel ends. An envelope sent on one end is
// delivered to the other end's handler. Envelopes are passed by pointer and
// must not be modified after Send.
func Pipe(buffer int) (Channel, Channel) {
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: newInbox(buffer), done: done, closeOnce: once}
	b := &pipeEnd{in: newInbox(buffer), done: done, closeOnce: once}
	a.peer, b.peer = b, a

	go a.in.run(done)
	go b.in.run(done)

	return a, b
}

func (p *pipeEnd) Send(env *protocol.Envelope) error {
	select {
	case <-p.done:
		return protocol.ErrClosed
	default:
	}
	if !p.peer.in.push(env, p.done) {
		return protocol.ErrClosed
	}
	return nil
}

func (p *pipeEnd) OnMessage(fn func(*protocol.Envelope)) { p.in.setHandler(fn) }
func (p *pipeEnd) Done() <-chan struct{}                 { return p.done }

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
