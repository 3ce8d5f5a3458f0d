package middleware

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"chanrpc/errcode"
	"chanrpc/meta"
)

// echoHandler replies immediately with an "ok" payload.
func echoHandler(_ context.Context, req *meta.MetaData) *meta.MetaData {
	return &meta.MetaData{
		TransmissionID: req.TransmissionID,
		Message:        []byte("ok"),
	}
}

// slowHandler takes 200ms before replying.
func slowHandler(_ context.Context, req *meta.MetaData) *meta.MetaData {
	time.Sleep(200 * time.Millisecond)
	return &meta.MetaData{
		TransmissionID: req.TransmissionID,
		Message:        []byte("ok"),
	}
}

func request() *meta.MetaData {
	return &meta.MetaData{
		FromStub:       true,
		ServiceName:    "Arith",
		MethodName:     "Add",
		TransmissionID: 1,
	}
}

func TestLogging(t *testing.T) {
	handler := Logging(slog.Default())(echoHandler)

	resp := handler(context.Background(), request())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Message) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp.Message))
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), request())
	if resp.Failed() {
		t.Fatalf("expect no error, got code %d: %s", resp.ErrorCode, resp.ErrorText)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), request())
	if resp == nil {
		t.Fatal("expect an error envelope")
	}
	if resp.ErrorCode != errcode.CodeDeadlineExceeded {
		t.Fatalf("expect CodeDeadlineExceeded, got %d: %s", resp.ErrorCode, resp.ErrorText)
	}
	if resp.TransmissionID != 1 {
		t.Fatalf("error envelope must keep the transmission id, got %d", resp.TransmissionID)
	}
}

func TestTimeoutHandlerGetsOwnCopy(t *testing.T) {
	captured := make(chan string, 1)
	handler := Timeout(50 * time.Millisecond)(func(_ context.Context, req *meta.MetaData) *meta.MetaData {
		time.Sleep(150 * time.Millisecond)
		captured <- req.ServiceName
		return nil
	})

	req := request()
	resp := handler(context.Background(), req)
	if resp == nil || resp.ErrorCode != errcode.CodeDeadlineExceeded {
		t.Fatalf("expect timeout envelope, got %+v", resp)
	}

	// the caller may reuse its envelope right after the timeout fires
	req.Reset()

	select {
	case name := <-captured:
		if name != "Arith" {
			t.Fatalf("late handler saw mutated envelope: %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never finished")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: two immediate passes, the third is rejected
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), request())
		if resp.Failed() {
			t.Fatalf("request %d should pass, got code %d: %s", i, resp.ErrorCode, resp.ErrorText)
		}
	}

	resp := handler(context.Background(), request())
	if resp == nil || resp.ErrorCode != errcode.CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got %+v", resp)
	}
}

func TestRateLimitOneWayRequestGetsNoEnvelope(t *testing.T) {
	handler := RateLimit(1, 1)(echoHandler)

	oneWay := &meta.MetaData{FromStub: true, ServiceName: "Arith", MethodName: "Bump"}
	if resp := handler(context.Background(), oneWay); resp == nil {
		t.Fatal("first request should pass")
	}
	// no transmission id: nothing to correlate an error on
	if resp := handler(context.Background(), oneWay); resp != nil {
		t.Fatalf("rejected one-way request must yield nil, got %+v", resp)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(Logging(slog.Default()), Timeout(500*time.Millisecond))
	handler := chained(echoHandler)

	resp := handler(context.Background(), request())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Failed() {
		t.Fatalf("expect no error, got code %d: %s", resp.ErrorCode, resp.ErrorText)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *meta.MetaData) *meta.MetaData {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(tag("outer"), tag("middle"), tag("inner"))(echoHandler)
	handler(context.Background(), request())

	want := []string{"outer", "middle", "inner"}
	if len(order) != len(want) {
		t.Fatalf("expect %d middleware invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("middleware order mismatch at %d: got %s, want %s", i, order[i], want[i])
		}
	}
}
