// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/broker"
)

// Factory returns a fresh broker for one subtest.
type Factory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers built by factory. Topic
// names are unique per subtest so a shared backend can be reused.
func RunBrokerTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("PublishSubscribeOrder", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		topic := uniqueTopic(t)

		sub := mustSubscribe(t, ctx, b, topic)
		defer sub.Close()

		var ids []string
		for i := range 5 {
			id, err := b.Publish(ctx, topic, fmt.Appendf(nil, "m%d", i))
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			ids = append(ids, id)
		}
		for i := range 5 {
			env, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("Next #%d: %v", i, err)
			}
			if want := fmt.Sprintf("m%d", i); string(env.Data) != want {
				t.Fatalf("message %d = %q, want %q", i, env.Data, want)
			}
			if env.ID != ids[i] {
				t.Fatalf("message %d id = %q, want %q", i, env.ID, ids[i])
			}
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		topic := uniqueTopic(t)

		a := mustSubscribe(t, ctx, b, topic)
		defer a.Close()
		c := mustSubscribe(t, ctx, b, topic)
		defer c.Close()

		if _, err := b.Publish(ctx, topic, []byte("hello")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		for name, s := range map[string]broker.MessageStream{"a": a, "c": c} {
			env, err := s.Next(ctx)
			if err != nil {
				t.Fatalf("%s Next: %v", name, err)
			}
			if string(env.Data) != "hello" {
				t.Fatalf("%s got %q", name, env.Data)
			}
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		topic := uniqueTopic(t)

		sub := mustSubscribe(t, ctx, b, topic)
		defer sub.Close()

		if _, err := b.Publish(ctx, topic+"-other", []byte("elsewhere")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if _, err := b.Publish(ctx, topic, []byte("here")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		env, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(env.Data) != "here" {
			t.Fatalf("got %q from another topic", env.Data)
		}
	})

	t.Run("NoHistory", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		topic := uniqueTopic(t)

		if _, err := b.Publish(ctx, topic, []byte("before")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		sub := mustSubscribe(t, ctx, b, topic)
		defer sub.Close()
		if _, err := b.Publish(ctx, topic, []byte("after")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		env, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(env.Data) != "after" {
			t.Fatalf("got %q, want only messages published after subscribing", env.Data)
		}
	})

	t.Run("NextHonorsContext", func(t *testing.T) {
		b := factory(t)
		sub := mustSubscribe(t, testContext(t), b, uniqueTopic(t))
		defer sub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Next err = %v, want deadline exceeded", err)
		}
	})

	t.Run("ClosedStream", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		sub := mustSubscribe(t, ctx, b, uniqueTopic(t))
		if err := sub.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := sub.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		if _, err := sub.Next(ctx); !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("Next after Close = %v, want ErrClosed", err)
		}
	})

	t.Run("ClosedBroker", func(t *testing.T) {
		b := factory(t)
		ctx := testContext(t)
		topic := uniqueTopic(t)
		sub := mustSubscribe(t, ctx, b, topic)
		defer sub.Close()

		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := b.Publish(ctx, topic, []byte("late")); !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("Publish after Close = %v, want ErrClosed", err)
		}
		if _, err := b.Subscribe(ctx, topic); !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("Subscribe after Close = %v, want ErrClosed", err)
		}
		if _, err := sub.Next(ctx); !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("Next after broker Close = %v, want ErrClosed", err)
		}
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func uniqueTopic(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func mustSubscribe(t *testing.T, ctx context.Context, b broker.Broker, topic string) broker.MessageStream {
	t.Helper()
	s, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return s
}
