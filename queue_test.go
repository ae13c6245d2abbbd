// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

type stringLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
}

func (l *stringLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Lines)
}

// recorder is a processor that records the payloads it gets and fails
// as long as fail returns true.
type recorder struct {
	mu       sync.Mutex
	payloads []string
	fail     func(call int) bool
}

func (r *recorder) process(ctx context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	r.payloads = append(r.payloads, s)
	if r.fail != nil && r.fail(len(r.payloads)) {
		return errors.New("failed job")
	}
	return nil
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.payloads))
	copy(out, r.payloads)
	return out
}

// newManualQueue returns a queue whose notifications are only delivered
// when the test publishes them on hub.
func newManualQueue(t *testing.T, options ...Option) (*Queue, *InMemoryStore, *Hub) {
	t.Helper()
	st := NewInMemoryStore()
	hub := NewHub()
	opts := []Option{
		SetLogger(&stringLogger{}),
		SetBackend(st),
		SetSubscriber(hub.Subscriber()),
		SetPublisher(hub),
	}
	q, err := New(append(opts, options...)...)
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, st, hub
}

// newAutoQueue returns a queue that is notified by the store itself.
func newAutoQueue(t *testing.T, options ...Option) (*Queue, *InMemoryStore) {
	t.Helper()
	st := NewInMemoryStore()
	opts := []Option{
		SetLogger(&stringLogger{}),
		SetBackend(st),
		SetSubscriber(st.Subscriber()),
	}
	q, err := New(append(opts, options...)...)
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, st
}

func hook(c chan struct{}) func() {
	return func() { c <- struct{}{} }
}

func wait(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(testTimeout):
		t.Fatalf("%s timed out", what)
	}
}

func TestQueueDefaults(t *testing.T) {
	q, _, _ := newManualQueue(t)
	if q.backend == nil {
		t.Fatal("Backend is nil")
	}
	if q.bus == nil {
		t.Fatal("Bus is nil")
	}
	if have, want := q.maxRetries, DefaultMaxRetries; have != want {
		t.Fatalf("maxRetries = %v, want %v", have, want)
	}
	if have, want := q.prefix, DefaultKeyspacePrefix; have != want {
		t.Fatalf("prefix = %q, want %q", have, want)
	}
	if have, want := q.Namespace(), ""; have != want {
		t.Fatalf("Namespace = %q, want %q", have, want)
	}
}

func TestNewWithoutSubscriber(t *testing.T) {
	_, err := New(SetBackend(NewInMemoryStore()))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, have %v", err)
	}
}

func TestNewWithoutBackend(t *testing.T) {
	_, err := New(SetSubscriber(NewHub().Subscriber()))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, have %v", err)
	}
}

func TestNewWithSharedBus(t *testing.T) {
	st := NewInMemoryStore()
	bus, err := NewBus(st.Subscriber(), st)
	if err != nil {
		t.Fatalf("NewBus failed with %v", err)
	}
	defer bus.Close()

	q1, err := New(SetBackend(st), SetBus(bus))
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	q2, err := New(SetBackend(st), SetBus(bus))
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}

	done1 := make(chan string, 10)
	done2 := make(chan string, 10)
	ctx := context.Background()
	if _, err := q1.RegisterNamespace(ctx, "one", func(ctx context.Context, ns string) { done1 <- ns }); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if _, err := q2.RegisterNamespace(ctx, "two", func(ctx context.Context, ns string) { done2 <- ns }); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q2.PushMessage(ctx, "hello"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	select {
	case ns := <-done2:
		if have, want := ns, "two"; have != want {
			t.Fatalf("namespace = %q, want %q", have, want)
		}
	case <-time.After(testTimeout):
		t.Fatal("handler timed out")
	}
	select {
	case ns := <-done1:
		t.Fatalf("handler of other queue invoked with %q", ns)
	case <-time.After(50 * time.Millisecond):
	}

	// Closing a queue must not close a shared bus
	if err := q1.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
	if err := q2.PushMessage(ctx, "again"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, toStruct(done2), "handler after close of other queue")
}

func toStruct(c <-chan string) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		<-c
		out <- struct{}{}
	}()
	return out
}

func TestRegisterNamespaceTwice(t *testing.T) {
	for _, second := range []string{"mytestqueue", "other", ""} {
		q, _, _ := newManualQueue(t)
		if _, err := q.RegisterNamespace(context.Background(), "mytestqueue", nil); err != nil {
			t.Fatalf("RegisterNamespace failed with %v", err)
		}
		_, err := q.RegisterNamespace(context.Background(), second, nil)
		if !errors.Is(err, ErrState) {
			t.Fatalf("RegisterNamespace(%q): expected ErrState, have %v", second, err)
		}
		if have, want := q.Namespace(), "mytestqueue"; have != want {
			t.Fatalf("Namespace = %q, want %q", have, want)
		}
	}
}

func TestRegisterNamespaceEmpty(t *testing.T) {
	q, _, _ := newManualQueue(t)
	_, err := q.RegisterNamespace(context.Background(), "", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, have %v", err)
	}
	// The queue is still unbound
	if _, err := q.RegisterNamespace(context.Background(), "valid", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
}

func TestRegisterNamespaceReturnsQueue(t *testing.T) {
	q, _, _ := newManualQueue(t)
	have, err := q.RegisterNamespace(context.Background(), "chain", nil)
	if err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if have != q {
		t.Fatal("expected RegisterNamespace to return the queue itself")
	}
}

func TestRegisterNamespaceConflict(t *testing.T) {
	ctx := context.Background()
	q, st, hub := newManualQueue(t)
	if err := st.RPush(ctx, "existing", []byte(`{"message":"foreign"}`)); err != nil {
		t.Fatalf("RPush failed with %v", err)
	}

	called := make(chan struct{}, 1)
	_, err := q.RegisterNamespace(ctx, "existing", func(ctx context.Context, ns string) {
		called <- struct{}{}
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, have %v", err)
	}
	if have, want := q.Namespace(), ""; have != want {
		t.Fatalf("Namespace = %q, want %q", have, want)
	}

	// No subscription must exist for the rejected namespace
	if err := hub.Publish(ctx, KeyspaceChannel(DefaultKeyspacePrefix, "existing"), OpRPush); err != nil {
		t.Fatalf("Publish failed with %v", err)
	}
	select {
	case <-called:
		t.Fatal("handler invoked for rejected namespace")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushMessageValidation(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newManualQueue(t)
	if _, err := q.RegisterNamespace(ctx, "validation", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	tests := []struct {
		Payload interface{}
		Options []PushOption
	}{
		{nil, nil},
		{json.RawMessage(nil), nil},
		{json.RawMessage("null"), nil},
		{json.RawMessage("{broken"), nil},
		{"hello", []PushOption{Retries(-1)}},
	}
	for i, test := range tests {
		err := q.PushMessage(ctx, test.Payload, test.Options...)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("#%d: expected ErrValidation, have %v", i, err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0, nil", n, err)
	}
}

func TestPushMessageUnbound(t *testing.T) {
	l := &stringLogger{}
	st := NewInMemoryStore()
	q, err := New(SetLogger(l), SetBackend(st), SetSubscriber(NewHub().Subscriber()))
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	defer q.Close()

	if err := q.PushMessage(context.Background(), "lost"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if have, want := l.Len(), 1; have != want {
		t.Fatalf("expected %d lines written to Logger, have %d", want, have)
	}
	if have, want := q.Stats().Pushed, int64(0); have != want {
		t.Fatalf("Pushed = %d, want %d", have, want)
	}
}

func TestPushMessageRetryBudget(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		Options  []Option
		Push     []PushOption
		Expected int
	}{
		{nil, nil, DefaultMaxRetries},
		{[]Option{SetMaxRetries(2)}, nil, 2},
		{[]Option{SetMaxRetries(2)}, []PushOption{Retries(7)}, 7},
		{nil, []PushOption{Retries(0)}, 0},
	}
	for i, test := range tests {
		q, _, _ := newManualQueue(t, test.Options...)
		if _, err := q.RegisterNamespace(ctx, "budget", nil); err != nil {
			t.Fatalf("#%d: RegisterNamespace failed with %v", i, err)
		}
		if err := q.PushMessage(ctx, "job", test.Push...); err != nil {
			t.Fatalf("#%d: PushMessage failed with %v", i, err)
		}
		envs, err := q.Peek(ctx)
		if err != nil {
			t.Fatalf("#%d: Peek failed with %v", i, err)
		}
		if have, want := len(envs), 1; have != want {
			t.Fatalf("#%d: len(Peek) = %d, want %d", i, have, want)
		}
		if have, want := envs[0].MaxRetries, test.Expected; have != want {
			t.Fatalf("#%d: MaxRetries = %d, want %d", i, have, want)
		}
		if envs[0].ID == "" {
			t.Fatalf("#%d: expected envelope ID", i)
		}
	}
}

// TestPushAndNotifyInvokesHandlerOnce pushes a job, simulates one append
// notification and checks that the handler runs exactly once.
func TestPushAndNotifyInvokesHandlerOnce(t *testing.T) {
	ctx := context.Background()
	q, st, hub := newManualQueue(t)

	type call struct {
		ns    string
		items int
	}
	calls := make(chan call, 10)
	handler := func(ctx context.Context, ns string) {
		items, _ := st.LRange(ctx, ns)
		calls <- call{ns: ns, items: len(items)}
	}
	if _, err := q.RegisterNamespace(ctx, "MYCOOLTEST", handler); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, map[string]string{"to": "test@example.com"}); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if err := hub.Publish(ctx, KeyspaceChannel(DefaultKeyspacePrefix, "MYCOOLTEST"), OpRPush); err != nil {
		t.Fatalf("Publish failed with %v", err)
	}
	select {
	case c := <-calls:
		if have, want := c.ns, "MYCOOLTEST"; have != want {
			t.Fatalf("namespace = %q, want %q", have, want)
		}
		if have, want := c.items, 1; have != want {
			t.Fatalf("items = %d, want %d", have, want)
		}
	case <-time.After(testTimeout):
		t.Fatal("handler timed out")
	}
	select {
	case <-calls:
		t.Fatal("handler invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationsOtherThanAppendAreIgnored(t *testing.T) {
	ctx := context.Background()
	q, _, hub := newManualQueue(t)
	called := make(chan struct{}, 10)
	if _, err := q.RegisterNamespace(ctx, "ignored", func(ctx context.Context, ns string) {
		called <- struct{}{}
	}); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	channel := KeyspaceChannel(DefaultKeyspacePrefix, "ignored")
	for _, payload := range []string{OpLPop, "del", "expire", "RPUSH"} {
		if err := hub.Publish(ctx, channel, payload); err != nil {
			t.Fatalf("Publish failed with %v", err)
		}
	}
	select {
	case <-called:
		t.Fatal("handler invoked for non-append notification")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDrainInOrder is scenario C: two jobs, one notification, both
// processed in push order.
func TestDrainInOrder(t *testing.T) {
	ctx := context.Background()
	r := &recorder{}
	drained := make(chan struct{}, 10)
	q, _, _ := newManualQueue(t, SetProcessor(r.process))
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "order", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "p1"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if err := q.PushMessage(ctx, "p2"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")

	calls := r.calls()
	if have, want := len(calls), 2; have != want {
		t.Fatalf("len(calls) = %d, want %d", have, want)
	}
	if calls[0] != "p1" || calls[1] != "p2" {
		t.Fatalf("calls = %v, want [p1 p2]", calls)
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0, nil", n, err)
	}
	if have, want := q.Stats().Succeeded, int64(2); have != want {
		t.Fatalf("Succeeded = %d, want %d", have, want)
	}
}

// TestJobSuccessAfterRetries is scenario A: a job with two retries fails
// twice and succeeds on the third attempt.
func TestJobSuccessAfterRetries(t *testing.T) {
	ctx := context.Background()
	r := &recorder{fail: func(call int) bool { return call <= 2 }}
	succeeded := make(chan struct{}, 10)
	retry := make(chan struct{}, 10)
	q, _ := newAutoQueue(t, SetProcessor(r.process))
	q.testJobSucceeded = hook(succeeded)
	q.testJobRetry = hook(retry)

	if _, err := q.RegisterNamespace(ctx, "RetryTest", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "hello", Retries(2)); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, retry, "1st retry")
	wait(t, retry, "2nd retry")
	wait(t, succeeded, "Job success")

	if have, want := len(r.calls()), 3; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0, nil", n, err)
	}
	stats := q.Stats()
	if stats.Retried != 2 || stats.Succeeded != 1 || stats.Dropped != 0 {
		t.Fatalf("Stats = %+v", stats)
	}
}

// TestJobDroppedWithoutRetries is scenario B: a job pushed with zero
// retries is dropped after its first failure.
func TestJobDroppedWithoutRetries(t *testing.T) {
	ctx := context.Background()
	r := &recorder{fail: func(int) bool { return true }}
	failed := make(chan struct{}, 10)
	drained := make(chan struct{}, 10)
	q, _ := newAutoQueue(t, SetProcessor(r.process))
	q.testJobFailed = hook(failed)
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "drop", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "doomed", Retries(0)); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, failed, "Job failure")
	wait(t, drained, "Drain")

	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0, nil", n, err)
	}

	// Another notification must not bring it back
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")
	if have, want := len(r.calls()), 1; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
	if have, want := q.Stats().Dropped, int64(1); have != want {
		t.Fatalf("Dropped = %d, want %d", have, want)
	}
}

// TestRetryMonotonicity checks that every failure decrements the budget
// by exactly one and that a job is attempted at most budget+1 times.
func TestRetryMonotonicity(t *testing.T) {
	ctx := context.Background()
	const budget = 3
	r := &recorder{fail: func(int) bool { return true }}
	drained := make(chan struct{}, 10)
	q, _, _ := newManualQueue(t, SetProcessor(r.process))
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "monotonic", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job", Retries(budget)); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	for i := 1; i <= budget; i++ {
		if err := q.Notify(ctx); err != nil {
			t.Fatalf("Notify failed with %v", err)
		}
		wait(t, drained, "Drain")
		envs, err := q.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek failed with %v", err)
		}
		if have, want := len(envs), 1; have != want {
			t.Fatalf("cycle %d: len(Peek) = %d, want %d", i, have, want)
		}
		if have, want := envs[0].MaxRetries, budget-i; have != want {
			t.Fatalf("cycle %d: MaxRetries = %d, want %d", i, have, want)
		}
		if have, want := envs[0].Attempts, i; have != want {
			t.Fatalf("cycle %d: Attempts = %d, want %d", i, have, want)
		}
	}

	// Last attempt drops the job
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")
	if n, err := q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len = %d, %v; want 0, nil", n, err)
	}
	if have, want := len(r.calls()), budget+1; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
}

// TestDrainAttemptsEachItemOnce checks that a failed job re-enqueued in
// a cycle is not attempted again in the same cycle.
func TestDrainAttemptsEachItemOnce(t *testing.T) {
	ctx := context.Background()
	r := &recorder{fail: func(call int) bool { return call == 1 }}
	drained := make(chan struct{}, 10)
	q, _, _ := newManualQueue(t, SetProcessor(r.process))
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "batch", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := q.PushMessage(ctx, p); err != nil {
			t.Fatalf("PushMessage failed with %v", err)
		}
	}
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")

	if have, want := fmt.Sprint(r.calls()), "[a b c]"; have != want {
		t.Fatalf("calls = %s, want %s", have, want)
	}
	envs, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek failed with %v", err)
	}
	if have, want := len(envs), 1; have != want {
		t.Fatalf("len(Peek) = %d, want %d", have, want)
	}
	if have, want := string(envs[0].Message), `"a"`; have != want {
		t.Fatalf("remaining = %s, want %s", have, want)
	}
}

func TestDrainWithoutProcessorLeavesList(t *testing.T) {
	ctx := context.Background()
	drained := make(chan struct{}, 10)
	q, _, _ := newManualQueue(t)
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "noproc", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")
	if n, err := q.Len(ctx); err != nil || n != 1 {
		t.Fatalf("Len = %d, %v; want 1, nil", n, err)
	}
}

func TestProcessorPanicIsFailure(t *testing.T) {
	ctx := context.Background()
	retry := make(chan struct{}, 10)
	succeeded := make(chan struct{}, 10)
	var calls int
	var mu sync.Mutex
	p := func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}
	q, _ := newAutoQueue(t, SetProcessor(p))
	q.testJobRetry = hook(retry)
	q.testJobSucceeded = hook(succeeded)

	if _, err := q.RegisterNamespace(ctx, "panic", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, retry, "Job retry")
	wait(t, succeeded, "Job success")
}

func TestMalformedJobIsDropped(t *testing.T) {
	ctx := context.Background()
	r := &recorder{}
	failed := make(chan struct{}, 10)
	q, st, _ := newManualQueue(t, SetProcessor(r.process))
	q.testJobFailed = hook(failed)

	if _, err := q.RegisterNamespace(ctx, "malformed", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := st.RPush(ctx, "malformed", []byte("not json")); err != nil {
		t.Fatalf("RPush failed with %v", err)
	}
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, failed, "Job failure")
	if have, want := len(r.calls()), 0; have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
}

func TestDelayedRetry(t *testing.T) {
	ctx := context.Background()
	r := &recorder{fail: func(call int) bool { return call == 1 }}
	succeeded := make(chan struct{}, 10)
	var attempts []int
	var mu sync.Mutex
	backoff := func(n int) time.Duration {
		mu.Lock()
		attempts = append(attempts, n)
		mu.Unlock()
		return 10 * time.Millisecond
	}
	q, _ := newAutoQueue(t, SetProcessor(r.process), SetBackoffFunc(backoff))
	q.testJobSucceeded = hook(succeeded)

	if _, err := q.RegisterNamespace(ctx, "delayed", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, succeeded, "Job success")
	mu.Lock()
	defer mu.Unlock()
	if have, want := fmt.Sprint(attempts), "[1]"; have != want {
		t.Fatalf("backoff attempts = %s, want %s", have, want)
	}
}

func TestCloseFlushesDelayedRetries(t *testing.T) {
	ctx := context.Background()
	r := &recorder{fail: func(int) bool { return true }}
	drained := make(chan struct{}, 10)
	q, st, _ := newManualQueue(t,
		SetProcessor(r.process),
		SetBackoffFunc(func(int) time.Duration { return time.Hour }),
	)
	q.testDrainCompleted = hook(drained)

	if _, err := q.RegisterNamespace(ctx, "flush", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	if err := q.Notify(ctx); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wait(t, drained, "Drain")
	if n, _ := st.LLen(ctx, "flush"); n != 0 {
		t.Fatalf("LLen = %d before Close, want 0", n)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
	if n, _ := st.LLen(ctx, "flush"); n != 1 {
		t.Fatalf("LLen = %d after Close, want 1", n)
	}
}

func TestNotifyUnbound(t *testing.T) {
	q, _, _ := newManualQueue(t)
	if err := q.Notify(context.Background()); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, have %v", err)
	}
	if _, err := q.Len(context.Background()); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, have %v", err)
	}
}

func TestPushMessageCanceledAfterWrite(t *testing.T) {
	q, st, _ := newManualQueue(t)
	if _, err := q.RegisterNamespace(context.Background(), "crawl", nil); err != nil {
		t.Fatal(err)
	}

	// The in-memory store writes regardless of ctx; only the notification
	// sees the canceled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.PushMessage(ctx, "https://alt-f4.de"); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	n, err := st.LLen(context.Background(), "crawl")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, int64(1); have != want {
		t.Fatalf("LLen = %d, want %d", have, want)
	}
	if have, want := q.Stats().Pushed, int64(1); have != want {
		t.Fatalf("Pushed = %d, want %d", have, want)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	var calls int32
	p := func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("cannot ever succeed"))
	}
	failed := make(chan struct{}, 10)
	q, _ := newAutoQueue(t, SetProcessor(p))
	q.testJobFailed = hook(failed)

	if _, err := q.RegisterNamespace(ctx, "permanent", nil); err != nil {
		t.Fatalf("RegisterNamespace failed with %v", err)
	}
	if err := q.PushMessage(ctx, "job", Retries(4)); err != nil {
		t.Fatalf("PushMessage failed with %v", err)
	}
	wait(t, failed, "Job failure")

	if have, want := atomic.LoadInt32(&calls), int32(1); have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
	stats := q.Stats()
	if have, want := stats.Retried, int64(0); have != want {
		t.Fatalf("Retried = %d, want %d", have, want)
	}
	if have, want := stats.Dropped, int64(1); have != want {
		t.Fatalf("Dropped = %d, want %d", have, want)
	}
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("kaboom")
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported as permanent")
	}
	err := fmt.Errorf("wrapped: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatal("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("permanent error does not unwrap to its cause")
	}
}
