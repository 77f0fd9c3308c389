package interceptors

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"docgate/internal/notify"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureBroadcaster) Broadcast(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestTelemetryUnary(t *testing.T) {
	const prefix = "/docgate.v1.AdminService/"
	tests := []struct {
		name    string
		method  string
		handler grpc.UnaryHandler
		want    int
	}{
		{"admin denied", prefix + "ListBlocks", denying(codes.PermissionDenied), 1},
		{"admin unauthenticated", prefix + "ListBlocks", denying(codes.Unauthenticated), 1},
		{"admin other error", prefix + "ListBlocks", denying(codes.NotFound), 0},
		{"access denied", "/docgate.v1.AccessService/AllowRequest", denying(codes.PermissionDenied), 0},
		{"admin ok", prefix + "ListBlocks", func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &captureBroadcaster{}
			interceptor := TelemetryUnary(b, prefix)
			ctx := WithIdentity(context.Background(), "subj-1", "user", "sess-1", 0)
			_, _ = interceptor(ctx, "request", &grpc.UnaryServerInfo{FullMethod: tt.method}, tt.handler)
			if len(b.events) != tt.want {
				t.Fatalf("events = %d, want %d", len(b.events), tt.want)
			}
			if tt.want == 0 {
				return
			}
			ev := b.events[0]
			if ev.Type != notify.EventAdminRejected || ev.SubjectRef != "subj-1" || ev.SessionRef != "sess-1" {
				t.Errorf("event = %+v", ev)
			}
			if ev.Attributes["full_method"] != tt.method {
				t.Errorf("full_method = %q", ev.Attributes["full_method"])
			}
		})
	}
}

func TestTelemetryUnary_NilBroadcaster(t *testing.T) {
	interceptor := TelemetryUnary(nil, "/docgate.v1.AdminService/")
	_, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/docgate.v1.AdminService/ListBlocks",
	}, denying(codes.PermissionDenied))
	if err == nil {
		t.Fatal("expected handler error to pass through")
	}
}
