package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/internal/history"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

// MessageSubjectPrefix prefixes the bus subject of every workflow message.
const MessageSubjectPrefix = "gasoline.msg."

// SignalBuilder sends a signal. From workflow code the signal is written
// together with the run's commit; from an operation it is written
// immediately.
type SignalBuilder struct {
	c    *WorkflowCtx
	op   *OperationCtx
	name string
	body any
	to   *uuid.UUID
	tags map[string]any
}

// Signal starts a signal send. Pick a target with ToWorkflow or Tag.
func (c *WorkflowCtx) Signal(name string, body any) *SignalBuilder {
	return &SignalBuilder{c: c, name: name, body: body}
}

func (b *SignalBuilder) ToWorkflow(id uuid.UUID) *SignalBuilder {
	b.to = &id
	return b
}

// Tag targets the workflow whose tags contain every tag given.
func (b *SignalBuilder) Tag(key string, value any) *SignalBuilder {
	if b.tags == nil {
		b.tags = make(map[string]any)
	}
	b.tags[key] = value
	return b
}

func (b *SignalBuilder) ToTags(tags map[string]any) *SignalBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

// Send records the signal and returns its id. On replay it returns the id
// recorded the first time without sending again.
//
// From workflow code a tag target is resolved to the oldest matching
// unfinished workflow when Send runs, and the recorded event carries that
// id. Send fails with persistence.ErrWorkflowNotFound when nothing matches.
func (b *SignalBuilder) Send() (uuid.UUID, error) {
	if b.name == "" {
		return uuid.Nil, ErrMissingName
	}
	if b.to == nil && len(b.tags) == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSignalUnknown, b.name)
	}
	body, err := json.Marshal(b.body)
	if err != nil {
		return uuid.Nil, serializeErr("body of signal "+b.name, err)
	}
	tags, err := persistence.NewTags(b.tags)
	if err != nil {
		return uuid.Nil, err
	}
	if b.op != nil {
		return b.op.db.PublishSignal(b.op, persistence.SignalOpts{
			RayID:      b.op.rayID,
			WorkflowID: b.to,
			Tags:       tags,
			Name:       b.name,
			Body:       body,
		})
	}

	c := b.c
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		if err := c.check(e, history.EventSignalSend, b.name); err != nil {
			return uuid.Nil, err
		}
		return e.SignalSend.SignalID, nil
	}

	to := b.to
	if to == nil {
		target, ok, err := c.run.db.FindWorkflowByTags(c.ctx, tags)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, fmt.Errorf("%w: no workflow with tags for signal %q", persistence.ErrWorkflowNotFound, b.name)
		}
		to = &target
	}

	id := uuid.New()
	e := c.newEvent(loc, history.EventSignalSend)
	e.SignalSend = &history.SignalSendEvent{SignalID: id, WorkflowID: to, Tags: tags, Name: b.name, Body: body}
	c.run.record(e)
	c.run.queueSignal(persistence.SignalOpts{
		SignalID:   id,
		RayID:      c.RayID(),
		WorkflowID: to,
		Tags:       tags,
		Name:       b.name,
		Body:       body,
	})
	return id, nil
}

// MessageBuilder publishes a bus message. Messages sent by workflow code
// are published once, after the run that sent them committed.
type MessageBuilder struct {
	c    *WorkflowCtx
	op   *OperationCtx
	name string
	body any
	tags map[string]any
}

func (c *WorkflowCtx) Msg(name string, body any) *MessageBuilder {
	return &MessageBuilder{c: c, name: name, body: body}
}

func (b *MessageBuilder) Tag(key string, value any) *MessageBuilder {
	if b.tags == nil {
		b.tags = make(map[string]any)
	}
	b.tags[key] = value
	return b
}

func (b *MessageBuilder) Tags(tags map[string]any) *MessageBuilder {
	for k, v := range tags {
		b.Tag(k, v)
	}
	return b
}

func (b *MessageBuilder) Send() error {
	if b.name == "" {
		return ErrMissingName
	}
	body, err := json.Marshal(b.body)
	if err != nil {
		return serializeErr("body of message "+b.name, err)
	}
	tags, err := persistence.NewTags(b.tags)
	if err != nil {
		return err
	}
	subject, err := MessageSubject(b.name, tags)
	if err != nil {
		return err
	}
	if b.op != nil {
		if b.op.bus == nil {
			return fmt.Errorf("message %s: no pubsub client configured", b.name)
		}
		return b.op.bus.Publish(b.op, subject, body)
	}

	c := b.c
	loc := c.cursor.Advance()
	if e, ok := c.run.lookup(loc); ok {
		return c.check(e, history.EventMessageSend, b.name)
	}
	e := c.newEvent(loc, history.EventMessageSend)
	e.Message = &history.MessageSendEvent{Tags: tags, Name: b.name, Body: body}
	c.run.record(e)
	c.run.queueMessage(Message{Subject: subject, Body: body})
	return nil
}

// MessageSubject is the bus subject of messages named name with exactly
// tags.
func MessageSubject(name string, tags persistence.Tags) (string, error) {
	if len(tags) == 0 {
		return MessageSubjectPrefix + name, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", serializeErr("message tags", err)
	}
	return MessageSubjectPrefix + name + "." + base64.RawURLEncoding.EncodeToString(raw), nil
}

// MessageSubscription receives workflow messages of one name and tag set.
type MessageSubscription[T any] struct {
	sub *pubsub.Subscription
}

// SubscribeMessages subscribes to messages named name sent with exactly
// tags.
func SubscribeMessages[T any](ctx context.Context, bus *pubsub.Client, name string, tags map[string]any) (*MessageSubscription[T], error) {
	t, err := persistence.NewTags(tags)
	if err != nil {
		return nil, err
	}
	subject, err := MessageSubject(name, t)
	if err != nil {
		return nil, err
	}
	sub, err := bus.Subscribe(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &MessageSubscription[T]{sub: sub}, nil
}

// Next blocks for the next message and decodes it.
func (s *MessageSubscription[T]) Next(ctx context.Context) (T, error) {
	var out T
	msg, err := s.sub.Next(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, serializeErr("message on "+s.sub.Subject(), err)
	}
	return out, nil
}

func (s *MessageSubscription[T]) Unsubscribe() error { return s.sub.Unsubscribe() }
