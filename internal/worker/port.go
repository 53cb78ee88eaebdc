package worker

import (
	"sync"

	"github.com/liliang-cn/modelchat/internal/domain"
)

const portBuffer = 64

// Port is the page side of a connection to the executor. Messages sent with
// Send go to the executor; executor output arrives on Messages.
type Port struct {
	exec *Executor
	out  chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// Connect opens a port to the executor.
func (e *Executor) Connect() *Port {
	return &Port{
		exec: e,
		out:  make(chan Message, portBuffer),
		done: make(chan struct{}),
	}
}

// Send posts msg to the executor. It does not wait for the generation.
func (p *Port) Send(msg Message) error {
	select {
	case <-p.done:
		return domain.ErrClientGone
	default:
	}
	p.exec.Handle(p, msg)
	return nil
}

// PostMessage implements Client. It fails with ErrClientGone once the port
// is closed.
func (p *Port) PostMessage(msg Message) error {
	select {
	case <-p.done:
		return domain.ErrClientGone
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return domain.ErrClientGone
	}
}

// Messages returns executor output. It is never closed; watch Done.
func (p *Port) Messages() <-chan Message {
	return p.out
}

// Done is closed when the port is closed.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Close disconnects the page. Generations still writing to this port are
// aborted on their next message.
func (p *Port) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
