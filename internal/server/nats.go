package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"perpcore/internal/core"
)

// CommandSubject is the request-reply subject for command submission.
// Requests carry a JSON core.Command; replies carry a commandReply.
const CommandSubject = "perp.cmd"

// commandQueue groups intake subscribers so a command is handled once even
// with multiple processes listening.
const commandQueue = "perp-core"

// ConnectNATS dials the broker with unbounded reconnects.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

type commandReply struct {
	Sequence       int64  `json:"sequence,omitempty"`
	StateHash      []byte `json:"state_hash,omitempty"`
	Amount         uint64 `json:"amount,omitempty"`
	PositionKey    string `json:"position_key,omitempty"`
	SignaturesLeft int    `json:"signatures_left,omitempty"`
	Query          any    `json:"query,omitempty"`
	Error          string `json:"error,omitempty"`
}

// CommandIntake serves command submissions over NATS request-reply.
type CommandIntake struct {
	nc     *nats.Conn
	bus    *CommandBus
	logger zerolog.Logger
	sub    *nats.Subscription
}

func NewCommandIntake(nc *nats.Conn, bus *CommandBus, logger zerolog.Logger) *CommandIntake {
	return &CommandIntake{nc: nc, bus: bus, logger: logger}
}

func (ci *CommandIntake) Start() error {
	sub, err := ci.nc.QueueSubscribe(CommandSubject, commandQueue, ci.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", CommandSubject, err)
	}
	ci.sub = sub
	ci.logger.Info().Str("subject", CommandSubject).Msg("command intake listening")
	return nil
}

func (ci *CommandIntake) handle(msg *nats.Msg) {
	var cmd core.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		ci.respond(msg, &commandReply{Error: "malformed command: " + err.Error()})
		return
	}

	res, err := ci.bus.Submit(&cmd)
	if err != nil {
		ci.logger.Debug().
			Str("command_id", cmd.ID).
			Str("kind", cmd.Kind.String()).
			Err(err).
			Msg("command rejected")
		ci.respond(msg, &commandReply{Error: err.Error()})
		return
	}

	ci.respond(msg, &commandReply{
		Sequence:       res.Sequence,
		StateHash:      res.StateHash,
		Amount:         res.Amount,
		PositionKey:    res.PositionKey,
		SignaturesLeft: res.SignaturesLeft,
		Query:          res.Query,
	})
}

func (ci *CommandIntake) respond(msg *nats.Msg, reply *commandReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		ci.logger.Error().Err(err).Msg("marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		ci.logger.Warn().Err(err).Msg("reply send failed")
	}
}

func (ci *CommandIntake) Stop() {
	if ci.sub != nil {
		if err := ci.sub.Drain(); err != nil {
			ci.logger.Warn().Err(err).Msg("intake drain failed")
		}
	}
}

// EventPublisher mirrors committed events onto a JetStream stream for
// downstream consumers. Publishing is best effort; consumers needing a gap
// free feed read the event log tables.
type EventPublisher struct {
	js     jetstream.JetStream
	input  <-chan *core.Output
	logger zerolog.Logger
}

func NewEventPublisher(js jetstream.JetStream, input <-chan *core.Output, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, input: input, logger: logger}
}

// EnsureEventStream creates the outbound stream if it does not exist.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_EVENTS",
		Subjects:  []string{"perp.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}

type outboundEvent struct {
	Sequence  int64           `json:"sequence"`
	CommandID string          `json:"command_id"`
	EventType string          `json:"event_type"`
	Pool      string          `json:"pool,omitempty"`
	Caller    string          `json:"caller,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	StateHash []byte          `json:"state_hash"`
	PrevHash  []byte          `json:"prev_hash"`
}

func (ep *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-ep.input:
			if !ok {
				return nil
			}
			if err := ep.publish(ctx, out); err != nil {
				ep.logger.Warn().
					Int64("sequence", out.Envelope.Sequence).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (ep *EventPublisher) publish(ctx context.Context, out *core.Output) error {
	env := out.Envelope
	evt := outboundEvent{
		Sequence:  env.Sequence,
		CommandID: env.CommandID,
		EventType: env.EventType.String(),
		Pool:      env.Pool,
		Caller:    env.Caller,
		Timestamp: env.Timestamp,
		Payload:   json.RawMessage(env.Payload),
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	subject := "perp.events." + evt.EventType
	if env.Pool != "" {
		subject += "." + env.Pool
	}
	_, err = ep.js.Publish(ctx, subject, data)
	return err
}
