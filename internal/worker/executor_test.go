package worker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/liliang-cn/modelchat/internal/backend"
	"github.com/liliang-cn/modelchat/internal/backend/backendtest"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newExecutor(t *testing.T, fake *backendtest.Fake) *Executor {
	t.Helper()
	return NewExecutor(func() (backend.Backend, error) { return fake, nil }, zaptest.NewLogger(t))
}

func startMessage(t *testing.T, id string) Message {
	t.Helper()
	payload, err := json.Marshal(domain.GenerationRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	return Message{Type: TypeStart, ID: id, Payload: payload}
}

func next(t *testing.T, p *Port) Message {
	t.Helper()
	select {
	case msg := <-p.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executor message")
		return Message{}
	}
}

func TestExecutor_ForwardsChunksThenCompletes(t *testing.T) {
	fake := &backendtest.Fake{Chunks: []*domain.GenerateChunk{
		backendtest.TextChunk("Hel", false),
		backendtest.TextChunk("lo", false),
	}}
	exec := newExecutor(t, fake)
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))

	first := next(t, port)
	assert.Equal(t, TypeChunk, first.Type)
	assert.Equal(t, "g1", first.ID)
	assert.JSONEq(t, string(fake.Chunks[0].Raw), string(first.Payload))

	second := next(t, port)
	assert.Equal(t, TypeChunk, second.Type)

	done := next(t, port)
	assert.Equal(t, TypeComplete, done.Type)

	exec.Wait()
	assert.Zero(t, exec.Active())
}

func TestExecutor_Abort(t *testing.T) {
	fake := &backendtest.Fake{
		Chunks: []*domain.GenerateChunk{backendtest.TextChunk("a", false), backendtest.TextChunk("b", false)},
		Gate:   make(chan struct{}),
	}
	exec := newExecutor(t, fake)
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))
	fake.Gate <- struct{}{}
	assert.Equal(t, TypeChunk, next(t, port).Type)
	assert.Equal(t, 1, exec.Active())

	require.NoError(t, port.Send(Message{Type: TypeAbort, ID: "g1"}))

	msg := next(t, port)
	require.Equal(t, TypeError, msg.Type)
	var payload domain.APIError
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "AbortError", payload.Name)

	exec.Wait()
	assert.Zero(t, exec.Active())
}

func TestExecutor_AbortUnknownIsNoop(t *testing.T) {
	exec := newExecutor(t, &backendtest.Fake{})
	port := exec.Connect()

	require.NoError(t, port.Send(Message{Type: TypeAbort, ID: "missing"}))
	assert.Zero(t, exec.Active())
}

func TestExecutor_BackendErrors(t *testing.T) {
	fake := &backendtest.Fake{
		Chunks:       []*domain.GenerateChunk{backendtest.TextChunk("partial", false)},
		MidStreamErr: &domain.APIError{Name: "INTERNAL", Message: "boom", Status: 500},
	}
	exec := newExecutor(t, fake)
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))
	assert.Equal(t, TypeChunk, next(t, port).Type)

	msg := next(t, port)
	require.Equal(t, TypeError, msg.Type)
	var payload domain.APIError
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "INTERNAL", payload.Name)
	assert.Equal(t, "boom", payload.Message)

	exec.Wait()
}

func TestExecutor_LoadFailureReportedPerStart(t *testing.T) {
	exec := NewExecutor(func() (backend.Backend, error) {
		return nil, errors.New("sdk missing")
	}, zaptest.NewLogger(t))
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))

	msg := next(t, port)
	require.Equal(t, TypeError, msg.Type)
	var payload domain.APIError
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "LoadError", payload.Name)
	assert.Contains(t, payload.Message, "sdk missing")

	exec.Wait()
}

func TestExecutor_ClientGoneAbortsStream(t *testing.T) {
	fake := &backendtest.Fake{
		Chunks: []*domain.GenerateChunk{backendtest.TextChunk("a", false), backendtest.TextChunk("b", false)},
		Gate:   make(chan struct{}, 2),
	}
	exec := newExecutor(t, fake)
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))
	fake.Gate <- struct{}{}
	assert.Equal(t, TypeChunk, next(t, port).Type)

	port.Close()
	fake.Gate <- struct{}{}

	exec.Wait()
	assert.Zero(t, exec.Active())
	assert.ErrorIs(t, port.Send(startMessage(t, "g2")), domain.ErrClientGone)
}

func TestExecutor_ActivateDropsTrackedStreams(t *testing.T) {
	fake := &backendtest.Fake{
		Chunks: []*domain.GenerateChunk{backendtest.TextChunk("a", false)},
		Gate:   make(chan struct{}),
	}
	exec := newExecutor(t, fake)
	port := exec.Connect()

	require.NoError(t, port.Send(startMessage(t, "g1")))
	require.Eventually(t, func() bool { return exec.Active() == 1 }, time.Second, 5*time.Millisecond)

	exec.Activate()
	assert.Zero(t, exec.Active())

	// the old stream can no longer be aborted by id; it still finishes normally
	require.NoError(t, port.Send(Message{Type: TypeAbort, ID: "g1"}))
	fake.Gate <- struct{}{}
	assert.Equal(t, TypeChunk, next(t, port).Type)
	assert.Equal(t, TypeComplete, next(t, port).Type)
	exec.Wait()
}
