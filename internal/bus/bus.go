// Package bus serves engine commands over Redis: requesters LPUSH an
// envelope {id, message} onto the command list and subscribe to the
// channel named by id; the engine pops envelopes, runs them and publishes
// the response on that channel.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/command"
)

var ErrInvalidEnvelope = errors.New("bus: invalid envelope")

// Envelope is one queued command. Message holds the command document,
// either inline or as a JSON-encoded string.
type Envelope struct {
	ID      string          `json:"id"`
	Message json.RawMessage `json:"message"`
}

// Decode parses an envelope and the command it carries.
func Decode(payload []byte) (string, command.Request, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", command.Request{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.ID == "" {
		return "", command.Request{}, fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}

	msg := []byte(env.Message)
	var inner string
	if err := json.Unmarshal(msg, &inner); err == nil {
		msg = []byte(inner)
	}

	var req command.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return env.ID, command.Request{}, fmt.Errorf("%w: message: %v", ErrInvalidEnvelope, err)
	}
	return env.ID, req, nil
}

// Reply runs one envelope and returns the reply channel and payload. A
// malformed command still gets an error response when its id is known.
func Reply(ctx context.Context, disp *command.Dispatcher, payload []byte) (string, []byte, error) {
	id, req, err := Decode(payload)
	if err != nil && id == "" {
		return "", nil, err
	}

	var resp command.Response
	if err != nil {
		resp = command.Response{Success: false, Error: err.Error()}
	} else {
		resp = disp.Dispatch(ctx, req)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return id, nil, err
	}
	return id, data, nil
}

// Server consumes the command list.
type Server struct {
	rdb   *redis.Client
	queue string
	disp  *command.Dispatcher
}

// NewServer creates a command server reading queue.
func NewServer(rdb *redis.Client, queue string, disp *command.Dispatcher) *Server {
	return &Server{rdb: rdb, queue: queue, disp: disp}
}

// Run pops and serves commands one at a time until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	slog.Info("command bus listening", "queue", s.queue)
	for {
		res, err := s.rdb.BRPop(ctx, time.Second, s.queue).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			slog.Error("command bus pop failed", "queue", s.queue, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.serve(ctx, []byte(res[1]))
	}
}

func (s *Server) serve(ctx context.Context, payload []byte) {
	id, data, err := Reply(ctx, s.disp, payload)
	if err != nil {
		slog.Warn("command dropped", "err", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.rdb.Publish(pctx, id, data).Err(); err != nil {
		slog.Error("command reply failed", "id", id, "err", err)
	}
}
