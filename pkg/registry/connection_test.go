package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBufferedConnection_SendAndDrain(t *testing.T) {
	conn := NewBufferedConnection("sse", 2)
	ctx := context.Background()

	if conn.ID() == "" {
		t.Fatal("expected generated ID")
	}
	if conn.Transport() != "sse" {
		t.Errorf("expected transport sse, got %s", conn.Transport())
	}

	if err := conn.Send(ctx, Message{Type: "event", Data: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := <-conn.Outbound()
	if msg.Type != "event" || string(msg.Data) != `{"a":1}` {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestBufferedConnection_QueueFullIsTransient(t *testing.T) {
	conn := NewBufferedConnection("sse", 1)
	ctx := context.Background()

	if err := conn.Send(ctx, Message{Type: "event"}); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	err := conn.Send(ctx, Message{Type: "event"})
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("queue full should be transient")
	}
}

func TestBufferedConnection_SendAfterClose(t *testing.T) {
	conn := NewBufferedConnectionWithID("c-1", "grpc", 0)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("expected connection closed")
	}

	err := conn.Send(context.Background(), Message{Type: "event"})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if IsTransient(err) {
		t.Error("closed connection should be terminal")
	}
}

func TestBufferedConnection_DefaultQueueSize(t *testing.T) {
	conn := NewBufferedConnection("sse", 0)
	if cap(conn.outbound) != DefaultSendQueueSize {
		t.Errorf("expected queue size %d, got %d", DefaultSendQueueSize, cap(conn.outbound))
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrSendQueueFull, true},
		{fmt.Errorf("write: %w", ErrTransient), true},
		{context.DeadlineExceeded, true},
		{ErrConnectionClosed, false},
		{errors.New("broken pipe"), false},
		{context.Canceled, false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
