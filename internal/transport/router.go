// Package transport gives callers one streaming contract whether the
// generation runs in the background executor or directly in-process.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/logging"
	"github.com/liliang-cn/modelchat/internal/worker"
	"go.uber.org/zap"
)

// Callbacks receive the output of one streaming generation. OnComplete is
// called exactly once per request; OnError at most once, and before
// OnComplete when both fire.
type Callbacks struct {
	OnPart         func(part domain.Part)
	OnThoughtChunk func(text string)
	OnError        func(err error)
	OnComplete     func(usage *domain.UsageMetadata, grounding *domain.GroundingMetadata)
}

func (cb Callbacks) part(p domain.Part) {
	if p.Thought {
		if cb.OnThoughtChunk != nil {
			cb.OnThoughtChunk(p.Text)
		}
		return
	}
	if cb.OnPart != nil {
		cb.OnPart(p)
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb Callbacks) complete(acc *accumulator) {
	if cb.OnComplete != nil {
		cb.OnComplete(acc.usage, acc.grounding)
	}
}

// accumulator folds metadata across chunks: the latest usage wins, grounding
// sources are unioned by URI.
type accumulator struct {
	usage     *domain.UsageMetadata
	grounding *domain.GroundingMetadata
}

func (a *accumulator) add(c *domain.GenerateChunk) {
	if c.Usage != nil {
		a.usage = c.Usage
	}
	a.grounding = domain.MergeGrounding(a.grounding, c.Grounding)
}

type listener struct {
	ch   chan worker.Message
	done chan struct{}
}

// Router picks the execution venue for each generation.
type Router struct {
	backend backend.Backend
	logger  *zap.Logger

	mu        sync.Mutex
	port      *worker.Port
	delegate  bool
	listeners map[string]*listener
}

// NewRouter creates a router that runs everything directly until a worker
// port is attached.
func NewRouter(b backend.Backend, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		backend:   b,
		logger:    logger,
		delegate:  true,
		listeners: make(map[string]*listener),
	}
}

// AttachWorker makes port the controlling executor and starts routing its
// messages to listeners by correlation id.
func (r *Router) AttachWorker(port *worker.Port) {
	r.mu.Lock()
	r.port = port
	r.mu.Unlock()

	go r.dispatch(port)
}

// DetachWorker stops delegating; later requests run directly.
func (r *Router) DetachWorker() {
	r.mu.Lock()
	r.port = nil
	r.mu.Unlock()
}

// SetDelegation turns delegation to an attached worker on or off.
func (r *Router) SetDelegation(enabled bool) {
	r.mu.Lock()
	r.delegate = enabled
	r.mu.Unlock()
}

// controller returns the port to delegate to, or nil.
func (r *Router) controller() *worker.Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.delegate || r.port == nil {
		return nil
	}
	select {
	case <-r.port.Done():
		return nil
	default:
		return r.port
	}
}

func (r *Router) dispatch(port *worker.Port) {
	for {
		select {
		case <-port.Done():
			return
		case msg := <-port.Messages():
			r.mu.Lock()
			l := r.listeners[msg.ID]
			r.mu.Unlock()
			if l == nil {
				continue
			}
			select {
			case l.ch <- msg:
			case <-l.done:
			}
		}
	}
}

func (r *Router) listen(id string) *listener {
	l := &listener{ch: make(chan worker.Message, 16), done: make(chan struct{})}
	r.mu.Lock()
	r.listeners[id] = l
	r.mu.Unlock()
	return l
}

func (r *Router) unlisten(id string) {
	r.mu.Lock()
	l := r.listeners[id]
	delete(r.listeners, id)
	r.mu.Unlock()
	if l != nil {
		close(l.done)
	}
}

// Stream drives one streaming generation to completion or failure. The
// returned error is the one passed to OnError; a direct-path abort returns nil.
func (r *Router) Stream(ctx context.Context, req *domain.GenerationRequest, cb Callbacks) error {
	if port := r.controller(); port != nil {
		return r.streamDelegated(ctx, port, req, cb)
	}
	return r.streamDirect(ctx, req, cb)
}

func (r *Router) streamDelegated(ctx context.Context, port *worker.Port, req *domain.GenerationRequest, cb Callbacks) error {
	id := uuid.NewString()
	log := r.logger.With(zap.String("generation_id", id), zap.String("model", req.Model))

	l := r.listen(id)
	defer r.unlisten(id)

	acc := &accumulator{}
	finish := func(err error) error {
		if err != nil {
			logging.Error(log, "Delegated generation failed", err)
			cb.fail(err)
		}
		cb.complete(acc)
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return finish(fmt.Errorf("failed to encode request: %w", err))
	}
	if err := port.Send(worker.Message{Type: worker.TypeStart, ID: id, Payload: payload}); err != nil {
		return finish(err)
	}
	log.Debug("Delegated generation to executor")

	for {
		select {
		case <-ctx.Done():
			// Fire and forget: the abort error is raised locally even if
			// the executor never answers.
			if err := port.Send(worker.Message{Type: worker.TypeAbort, ID: id}); err != nil {
				log.Debug("Abort not delivered", zap.Error(err))
			}
			return finish(fmt.Errorf("%w: %v", domain.ErrAborted, ctx.Err()))

		case <-port.Done():
			return finish(domain.ErrClientGone)

		case msg := <-l.ch:
			switch msg.Type {
			case worker.TypeChunk:
				chunk, err := backend.ParseChunk(msg.Payload)
				if err != nil {
					port.Send(worker.Message{Type: worker.TypeAbort, ID: id})
					return finish(err)
				}
				acc.add(chunk)
				for _, p := range chunk.Parts {
					cb.part(p)
				}

			case worker.TypeComplete:
				return finish(nil)

			case worker.TypeError:
				var apiErr domain.APIError
				if err := json.Unmarshal(msg.Payload, &apiErr); err != nil {
					apiErr = domain.APIError{Name: "Error", Message: string(msg.Payload)}
				}
				return finish(domain.ErrorFromPayload(&apiErr))
			}
		}
	}
}

func (r *Router) streamDirect(ctx context.Context, req *domain.GenerationRequest, cb Callbacks) error {
	log := r.logger.With(zap.String("model", req.Model))
	acc := &accumulator{}
	defer cb.complete(acc)

	chunks, err := r.backend.SendStream(ctx, req)
	if err != nil {
		logging.Error(log, "Direct generation failed to start", err)
		cb.fail(err)
		return err
	}

	for res := range chunks {
		if ctx.Err() != nil {
			log.Debug("Direct generation aborted")
			return nil
		}
		if res.Err != nil {
			logging.Error(log, "Direct generation failed", res.Err)
			cb.fail(res.Err)
			// drain so the producer can exit
			go func() {
				for range chunks {
				}
			}()
			return res.Err
		}
		acc.add(res.Chunk)
		for _, p := range res.Chunk.Parts {
			cb.part(p)
		}
	}
	return nil
}

// GenerateCallbacks receive the outcome of a non-streaming generation.
type GenerateCallbacks struct {
	OnError    func(err error)
	OnComplete func(result domain.GenerateResult)
}

// Generate runs one non-streaming generation directly. An abort before or
// right after the backend call yields an empty result and no error.
func (r *Router) Generate(ctx context.Context, req *domain.GenerationRequest, cb GenerateCallbacks) error {
	complete := func(res domain.GenerateResult) {
		if cb.OnComplete != nil {
			cb.OnComplete(res)
		}
	}

	if ctx.Err() != nil {
		complete(domain.GenerateResult{})
		return nil
	}

	chunk, err := r.backend.SendOnce(ctx, req)
	if ctx.Err() != nil {
		complete(domain.GenerateResult{})
		return nil
	}
	if err != nil {
		logging.Error(r.logger, "Generation failed", err, zap.String("model", req.Model))
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	var res domain.GenerateResult
	for _, p := range chunk.Parts {
		if p.Thought {
			res.Thoughts += p.Text
			continue
		}
		res.Parts = append(res.Parts, p)
	}
	res.Usage = chunk.Usage
	res.Grounding = domain.MergeGrounding(nil, chunk.Grounding)
	complete(res)
	return nil
}
