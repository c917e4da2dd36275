package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeWriter struct {
	mu      sync.Mutex
	status  int
	headers map[string]string
	body    []byte
	closed  bool
}

func (w *fakeWriter) WriteHeader(status int, headers map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.headers = headers
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.body = append(w.body, p...)
	return len(p), nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestPoolDispatchesToHandler(t *testing.T) {
	r := NewRouter()
	done := make(chan struct{}, 1)
	r.Handle("GET", "/ping", func(ctx *Context) {
		ctx.Writer.WriteHeader(200, nil)
		_, _ = ctx.Writer.Write([]byte("pong"))
		_ = ctx.Writer.Close()
	})

	p := NewPool(r, 8, 0)
	defer p.Close()

	w := &fakeWriter{}
	ctx := &Context{Method: "GET", Path: "/ping", Writer: w, Done: func() { done <- struct{}{} }}
	assert.True(t, p.Dispatch(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not complete in time")
	}
	assert.Equal(t, "pong", string(w.body))
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	r := NewRouter()
	done := make(chan struct{}, 1)
	r.Handle("GET", "/boom", func(ctx *Context) { panic("boom") })

	p := NewPool(r, 8, 0)
	defer p.Close()

	w := &fakeWriter{}
	ctx := &Context{Method: "GET", Path: "/boom", Writer: w, Done: func() { done <- struct{}{} }}
	assert.True(t, p.Dispatch(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not complete in time")
	}
	assert.Equal(t, 500, w.status)
	assert.True(t, w.closed)
}

func TestPoolMissingRouteWrites404(t *testing.T) {
	r := NewRouter()
	p := NewPool(r, 8, 0)
	defer p.Close()

	w := &fakeWriter{}
	done := make(chan struct{}, 1)
	ctx := &Context{Method: "GET", Path: "/missing", Writer: w, Done: func() { done <- struct{}{} }}
	assert.True(t, p.Dispatch(ctx))

	<-done
	assert.Equal(t, 404, w.status)
}
