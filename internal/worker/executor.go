package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/logging"
	"go.uber.org/zap"
)

// Loader creates the backend the executor calls. It runs once, at startup.
type Loader func() (backend.Backend, error)

// Executor multiplexes concurrent generations by correlation id.
//
// The active map lives only as long as the executor; Activate resets it and
// in-flight generations started before that can no longer be aborted by id.
type Executor struct {
	logger  *zap.Logger
	backend backend.Backend
	loadErr error

	mu     sync.Mutex
	active map[string]*stream

	wg sync.WaitGroup
}

// NewExecutor loads the backend and returns a ready executor. A load failure
// does not fail construction; it is reported to every start request instead.
func NewExecutor(load Loader, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{logger: logger, active: make(map[string]*stream)}

	b, err := load()
	switch {
	case err != nil:
		e.loadErr = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		logging.Error(logger, "Failed to load backend in executor", err)
	case b == nil:
		e.loadErr = domain.ErrBackendUnavailable
	default:
		e.backend = b
	}
	return e
}

// Activate starts a new executor lifetime and drops every tracked stream.
func (e *Executor) Activate() {
	e.mu.Lock()
	dropped := len(e.active)
	e.active = make(map[string]*stream)
	e.mu.Unlock()
	if dropped > 0 {
		e.logger.Warn("Executor activated with in-flight streams", zap.Int("dropped", dropped))
	}
}

// Active returns the number of tracked generations.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until every started generation has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Handle processes one inbound message from client. Start requests run in
// their own goroutine; Handle itself never blocks on the backend.
func (e *Executor) Handle(client Client, msg Message) {
	switch msg.Type {
	case TypeStart:
		ctx, cancel := context.WithCancel(context.Background())
		s := &stream{cancel: cancel}
		e.mu.Lock()
		if prev, ok := e.active[msg.ID]; ok {
			prev.cancel()
		}
		e.active[msg.ID] = s
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.release(msg.ID, s)
			e.run(ctx, cancel, client, msg)
		}()

	case TypeAbort:
		e.mu.Lock()
		s, ok := e.active[msg.ID]
		e.mu.Unlock()
		if ok {
			e.logger.Debug("Aborting generation", zap.String("id", msg.ID))
			s.cancel()
		}

	default:
		e.logger.Warn("Ignoring unknown message", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
	}
}

type stream struct {
	cancel context.CancelFunc
}

func (e *Executor) release(id string, s *stream) {
	s.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	// The entry may belong to a newer start with the same id, or be gone
	// after Activate; only drop it if it is still ours.
	if e.active[id] == s {
		delete(e.active, id)
	}
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, client Client, msg Message) {
	log := e.logger.With(zap.String("id", msg.ID))

	if e.loadErr != nil {
		e.postError(client, msg.ID, &domain.APIError{Name: "LoadError", Message: e.loadErr.Error()})
		return
	}

	var req domain.GenerationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		e.postError(client, msg.ID, &domain.APIError{Name: "DecodeError", Message: err.Error()})
		return
	}

	chunks, err := e.backend.SendStream(ctx, &req)
	if err != nil {
		logging.Error(log, "Executor stream failed to start", err)
		e.postError(client, msg.ID, domain.NormalizeError(err))
		return
	}

	for res := range chunks {
		if ctx.Err() != nil {
			break
		}
		if res.Err != nil {
			logging.Error(log, "Executor stream failed", res.Err)
			e.postError(client, msg.ID, domain.NormalizeError(res.Err))
			return
		}
		if err := client.PostMessage(Message{Type: TypeChunk, ID: msg.ID, Payload: res.Chunk.Raw}); err != nil {
			if errors.Is(err, domain.ErrClientGone) {
				log.Info("Client gone, aborting generation")
				cancel()
				return
			}
			logging.Error(log, "Failed to forward chunk", err)
		}
	}

	if ctx.Err() != nil {
		e.postError(client, msg.ID, domain.NormalizeError(ctx.Err()))
		return
	}
	if err := client.PostMessage(Message{Type: TypeComplete, ID: msg.ID}); err != nil && !errors.Is(err, domain.ErrClientGone) {
		logging.Error(log, "Failed to post completion", err)
	}
}

func (e *Executor) postError(client Client, id string, apiErr *domain.APIError) {
	payload, err := json.Marshal(apiErr)
	if err != nil {
		payload = []byte(`{"name":"Error","message":"unencodable error"}`)
	}
	if err := client.PostMessage(Message{Type: TypeError, ID: id, Payload: payload}); err != nil && !errors.Is(err, domain.ErrClientGone) {
		logging.Error(e.logger, "Failed to post error", err, zap.String("id", id))
	}
}
