package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitInvokesInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	for _, tag := range []string{"first", "second", "third"} {
		tag := tag
		bus.Register(BeforeToolCall, func(context.Context, Name, Payload) error {
			got = append(got, tag)
			return nil
		})
	}

	bus.Emit(context.Background(), BeforeToolCall, &ToolCall{ToolName: "search"})
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestDuplicateRegistrationInvokedTwice(t *testing.T) {
	bus := NewBus()
	n := 0
	cb := func(context.Context, Name, Payload) error { n++; return nil }
	bus.Register(AfterToolCall, cb)
	bus.Register(AfterToolCall, cb)

	bus.Emit(context.Background(), AfterToolCall, &ToolCall{})
	require.Equal(t, 2, n)
}

func TestCloseRestoresPriorList(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Register(BeforeLLMGenerate, func(context.Context, Name, Payload) error {
		got = append(got, "keep")
		return nil
	})
	sub := bus.Register(BeforeLLMGenerate, func(context.Context, Name, Payload) error {
		got = append(got, "drop")
		return nil
	})

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	bus.Emit(context.Background(), BeforeLLMGenerate, &LLMGenerate{})
	require.Equal(t, []string{"keep"}, got)
	require.Equal(t, 1, bus.SubscriberCount(BeforeLLMGenerate))
}

func TestSubscriberErrorIsSwallowed(t *testing.T) {
	bus := NewBus()
	bus.Register(ErrorToolCall, func(context.Context, Name, Payload) error {
		return errors.New("boom")
	})
	reached := false
	bus.Register(ErrorToolCall, func(context.Context, Name, Payload) error {
		reached = true
		return nil
	})

	bus.Emit(context.Background(), ErrorToolCall, &ToolCall{Err: errors.New("tool failed")})
	require.True(t, reached, "emission must continue past a failing subscriber")
}

func TestSubscriberPanicIsSwallowed(t *testing.T) {
	bus := NewBus()
	bus.Register(BeforeAgentCall, func(context.Context, Name, Payload) error {
		panic("subscriber bug")
	})
	reached := false
	bus.Register(BeforeAgentCall, func(context.Context, Name, Payload) error {
		reached = true
		return nil
	})

	require.NotPanics(t, func() {
		bus.Emit(context.Background(), BeforeAgentCall, &AgentCall{Agent: "router"})
	})
	require.True(t, reached)
}

func TestEmitUnknownNameIsNoOp(t *testing.T) {
	bus := NewBus()
	require.NotPanics(t, func() {
		bus.Emit(context.Background(), Name("made_up_hook"), &AgentCall{})
	})
}

func TestConcurrentRegisterEmitClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub := bus.Register(BeforeWorkflowRun, func(context.Context, Name, Payload) error { return nil })
				sub.Close()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(ctx, BeforeWorkflowRun, &WorkflowRun{Workflow: "Chat"})
			}
		}()
	}
	wg.Wait()
}

func BenchmarkEmitNoSubscribers(b *testing.B) {
	bus := NewBus()
	ctx := context.Background()
	p := &ToolCall{ToolName: "noop"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Emit(ctx, BeforeToolCall, p)
	}
}
