package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/w2nb/internal/bus"
	apperrors "github.com/Shugur-Network/w2nb/internal/errors"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// extension plays the extension side of a window: it sees every envelope and
// answers open requests through reply.
type extension struct {
	t   *testing.T
	win *bus.Window
	sub *bus.Subscription
}

func newHarness(t *testing.T, opts ...Option) (*Relay, *extension) {
	t.Helper()
	win := bus.NewWindow("page")
	opts = append([]Option{WithLogger(zap.NewNop()), WithOrigin("https://shop.example")}, opts...)
	r := New(win, opts...)
	ext := &extension{t: t, win: win, sub: win.Subscribe()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		win.Close()
	})
	return r, ext
}

// expect returns the next envelope with the given tag, skipping everything else.
func (e *extension) expect(src protocol.Source) *protocol.Envelope {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, err := e.sub.Next(ctx)
		require.NoError(e.t, err, "waiting for %s", src)
		if ev.Envelope.Src == src {
			return ev.Envelope
		}
	}
}

// answer serves the next open request with reply.
func (e *extension) answer(reply *protocol.Envelope) *protocol.Envelope {
	e.t.Helper()
	req := e.expect(protocol.SrcOpenRequest)
	e.win.Post(reply)
	return req
}

func (e *extension) open(r *Relay, id protocol.TabID) *Port {
	e.t.Helper()
	res := r.ConnectAsync(context.Background(), "org.example.app")
	e.answer(protocol.NewOpenSuccess(id))
	out := <-res
	require.NoError(e.t, out.Err)
	return out.Port
}

func TestConnectSendsOpenRequestWithOrigin(t *testing.T) {
	r, ext := newHarness(t)

	res := r.ConnectAsync(context.Background(), "org.example.wallet")
	req := ext.answer(protocol.NewOpenSuccess("7"))

	assert.Equal(t, "https://shop.example", req.Origin)
	assert.Equal(t, "org.example.wallet", req.Application)

	out := <-res
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.TabID("7"), out.Port.ID())
	assert.Equal(t, 1, r.Registry().Len())
}

func TestConnectAcceptsZeroIdentifier(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "0")
	assert.Equal(t, protocol.TabID("0"), p.ID())
}

func TestConnectRejectedCarriesValue(t *testing.T) {
	r, ext := newHarness(t)

	res := r.ConnectAsync(context.Background(), "org.example.missing")
	ext.answer(protocol.NewOpenFailure("Application not found"))

	out := <-res
	require.Error(t, out.Err)
	assert.Nil(t, out.Port)
	assert.True(t, errors.Is(out.Err, apperrors.ErrOpenRejected))

	appErr, ok := apperrors.As(out.Err)
	require.True(t, ok)
	assert.Equal(t, "Application not found", appErr.Value)
	assert.Equal(t, "Application not found", appErr.Message)
	assert.Zero(t, r.Registry().Len())
}

func TestConnectRejectedWithStructuredValue(t *testing.T) {
	r, ext := newHarness(t)

	reason := map[string]any{"code": float64(3)}
	res := r.ConnectAsync(context.Background(), "org.example.app")
	ext.answer(protocol.NewOpenFailure(reason))

	out := <-res
	appErr, ok := apperrors.As(out.Err)
	require.True(t, ok)
	assert.Equal(t, reason, appErr.Value)
}

func TestConnectInternalErrorWhenResultIsEmpty(t *testing.T) {
	for name, reply := range map[string]*protocol.Envelope{
		"no res":      {Src: protocol.SrcOpenResult},
		"empty res":   {Src: protocol.SrcOpenResult, Res: &protocol.OpenResult{}},
		"empty err":   protocol.NewOpenFailure(""),
		"false err":   protocol.NewOpenFailure(false),
		"zero err":    protocol.NewOpenFailure(float64(0)),
		"empty tabid": protocol.NewOpenSuccess(""),
	} {
		t.Run(name, func(t *testing.T) {
			r, ext := newHarness(t)
			res := r.ConnectAsync(context.Background(), "org.example.app")
			ext.answer(reply)

			out := <-res
			require.Error(t, out.Err)
			assert.True(t, errors.Is(out.Err, apperrors.ErrOpenInternal))
			appErr, _ := apperrors.As(out.Err)
			assert.Equal(t, apperrors.InternalErrorText, appErr.Message)
		})
	}
}

func TestConcurrentConnectsAreQueued(t *testing.T) {
	r, ext := newHarness(t)

	results := make([]<-chan ConnectResult, 3)
	for i := range results {
		results[i] = r.ConnectAsync(context.Background(), "org.example.app")
	}

	for _, id := range []protocol.TabID{"1", "2", "3"} {
		ext.expect(protocol.SrcOpenRequest)
		// Nothing else may be in flight until this request is answered.
		time.Sleep(20 * time.Millisecond)
		for ext.sub.Pending() > 0 {
			ev, err := ext.sub.Next(context.Background())
			require.NoError(t, err)
			require.NotEqual(t, protocol.SrcOpenRequest, ev.Envelope.Src)
		}
		ext.win.Post(protocol.NewOpenSuccess(id))
	}

	seen := map[protocol.TabID]bool{}
	for _, ch := range results {
		out := <-ch
		require.NoError(t, out.Err)
		seen[out.Port.ID()] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, r.Registry().Len())
}

func TestConnectTimesOut(t *testing.T) {
	r, ext := newHarness(t, WithConnectTimeout(30*time.Millisecond))

	_, err := r.Connect(context.Background(), "org.example.slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConnectTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A late answer finds no request in flight and is dropped.
	ext.answer(protocol.NewOpenSuccess("9"))
	time.Sleep(20 * time.Millisecond)
	_, ok := r.Registry().Lookup("9")
	assert.False(t, ok)

	// The relay stays usable.
	p := ext.open(r, "10")
	assert.Equal(t, protocol.TabID("10"), p.ID())
}

func TestConnectCanceled(t *testing.T) {
	r, _ := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	res := r.ConnectAsync(ctx, "org.example.app")
	time.Sleep(10 * time.Millisecond)
	cancel()

	out := <-res
	assert.True(t, errors.Is(out.Err, apperrors.ErrConnectCanceled))
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestCanceledConnectKeepsPortTakenByDispatcher(t *testing.T) {
	win := bus.NewWindow("page")
	defer win.Close()
	r := New(win, WithLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	res := r.ConnectAsync(ctx, "org.example.app")
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pending != nil
	}, time.Second, time.Millisecond)

	// The dispatcher has claimed the request but not settled it yet when
	// the caller gives up.
	p := r.takePending()
	cancel()
	time.Sleep(20 * time.Millisecond)
	r.settleOpen(p, &protocol.OpenResult{Success: "5"})

	out := <-res
	require.NoError(t, out.Err)
	require.NotNil(t, out.Port)
	held, ok := r.Registry().Lookup("5")
	require.True(t, ok)
	assert.Same(t, held, out.Port)
}

func TestConnectWithInstallsListenersBeforeTraffic(t *testing.T) {
	r, ext := newHarness(t)

	got := make(chan any, 1)
	closed := make(chan struct{}, 1)
	res := make(chan error, 1)
	go func() {
		_, err := r.ConnectWith(context.Background(), "org.example.greeter",
			func(m any) { got <- m },
			func() { closed <- struct{}{} })
		res <- err
	}()

	ext.expect(protocol.SrcOpenRequest)
	ext.win.Post(protocol.NewOpenSuccess("3"))
	ext.win.Post(protocol.NewNativeMessage("3", "hello"))
	ext.win.Post(protocol.NewNativeDisconnect("3"))

	require.NoError(t, <-res)
	assert.Equal(t, "hello", receive(t, got))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect listener not called")
	}
}

func TestSendPostsWebMessage(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "4")

	p.Send(map[string]any{"cmd": "sign"})

	env := ext.expect(protocol.SrcWebMessage)
	assert.Equal(t, protocol.TabID("4"), env.TabID)
	assert.Equal(t, map[string]any{"cmd": "sign"}, env.Message)
}

func TestNativeMessagesReachTheirPort(t *testing.T) {
	r, ext := newHarness(t)
	a := ext.open(r, "1")
	b := ext.open(r, "2")

	gotA := make(chan any, 4)
	gotB := make(chan any, 4)
	a.SetMessageListener(func(m any) { gotA <- m })
	b.SetMessageListener(func(m any) { gotB <- m })

	ext.win.Post(protocol.NewNativeMessage("2", "for b"))
	ext.win.Post(protocol.NewNativeMessage("1", "for a"))
	ext.win.Post(protocol.NewNativeMessage("2", "again b"))

	assert.Equal(t, "for a", receive(t, gotA))
	assert.Equal(t, "for b", receive(t, gotB))
	assert.Equal(t, "again b", receive(t, gotB))
	assert.Empty(t, gotA)
}

func TestUnknownIdentifierIsIgnored(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "1")
	got := make(chan any, 1)
	p.SetMessageListener(func(m any) { got <- m })

	ext.win.Post(protocol.NewNativeMessage("99", "stray"))
	ext.win.Post(protocol.NewNativeDisconnect("99"))
	ext.win.Post(&protocol.Envelope{Src: protocol.SrcNativeMessage})
	ext.win.Post(protocol.NewNativeMessage("1", "ok"))

	assert.Equal(t, "ok", receive(t, got))
	assert.Equal(t, 1, r.Registry().Len())
}

func TestMessageWithoutListenerIsDropped(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "1")

	ext.win.Post(protocol.NewNativeMessage("1", "early"))
	time.Sleep(20 * time.Millisecond)

	got := make(chan any, 1)
	p.SetMessageListener(func(m any) { got <- m })
	ext.win.Post(protocol.NewNativeMessage("1", "late"))
	assert.Equal(t, "late", receive(t, got))
}

func TestListenerReplacement(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "1")

	first := make(chan any, 1)
	second := make(chan any, 1)
	p.SetMessageListener(func(m any) { first <- m })
	p.SetMessageListener(func(m any) { second <- m })

	ext.win.Post(protocol.NewNativeMessage("1", "x"))
	assert.Equal(t, "x", receive(t, second))
	assert.Empty(t, first)
}

func TestRequestDisconnectIsFireAndForget(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "5")
	fired := make(chan struct{}, 1)
	p.SetDisconnectListener(func() { fired <- struct{}{} })

	p.RequestDisconnect()

	env := ext.expect(protocol.SrcWebDisconnect)
	assert.Equal(t, protocol.TabID("5"), env.TabID)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fired)
	_, ok := r.Registry().Lookup("5")
	assert.True(t, ok)
}

func TestNativeDisconnectFiresListenerAndEvicts(t *testing.T) {
	r, ext := newHarness(t)
	p := ext.open(r, "5")
	fired := make(chan struct{}, 1)
	p.SetDisconnectListener(func() { fired <- struct{}{} })

	ext.win.Post(protocol.NewNativeDisconnect("5"))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect listener not called")
	}
	assert.Zero(t, r.Registry().Len())
	assert.True(t, r.Registry().Retired("5"))
}

func TestNativeDisconnectWithoutEviction(t *testing.T) {
	r, ext := newHarness(t, WithEvictOnDisconnect(false))
	p := ext.open(r, "5")
	fired := make(chan struct{}, 2)
	p.SetDisconnectListener(func() { fired <- struct{}{} })

	ext.win.Post(protocol.NewNativeDisconnect("5"))
	ext.win.Post(protocol.NewNativeDisconnect("5"))

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect listener not called")
		}
	}
	assert.Equal(t, 1, r.Registry().Len())
}

func TestForeignPostsAreIgnored(t *testing.T) {
	r, ext := newHarness(t)

	res := r.ConnectAsync(context.Background(), "org.example.app")
	ext.expect(protocol.SrcOpenRequest)
	ext.win.PostFrom("iframe", protocol.NewOpenSuccess("666"))
	ext.win.Post(protocol.NewOpenSuccess("1"))

	out := <-res
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.TabID("1"), out.Port.ID())
	_, ok := r.Registry().Lookup("666")
	assert.False(t, ok)
}

func TestPanickingListenerDoesNotStopDispatch(t *testing.T) {
	r, ext := newHarness(t)
	bad := ext.open(r, "1")
	good := ext.open(r, "2")
	bad.SetMessageListener(func(any) { panic("boom") })
	got := make(chan any, 1)
	good.SetMessageListener(func(m any) { got <- m })

	ext.win.Post(protocol.NewNativeMessage("1", "x"))
	ext.win.Post(protocol.NewNativeMessage("2", "y"))
	assert.Equal(t, "y", receive(t, got))
}

func TestDuplicateIdentifierReplacesPort(t *testing.T) {
	r, ext := newHarness(t)
	old := ext.open(r, "1")
	oldGot := make(chan any, 1)
	old.SetMessageListener(func(m any) { oldGot <- m })

	fresh := ext.open(r, "1")
	require.NotSame(t, old, fresh)
	got := make(chan any, 1)
	fresh.SetMessageListener(func(m any) { got <- m })

	ext.win.Post(protocol.NewNativeMessage("1", "z"))
	assert.Equal(t, "z", receive(t, got))
	assert.Empty(t, oldGot)
	assert.Equal(t, 1, r.Registry().Len())
}

func TestRegistryRemoveRetires(t *testing.T) {
	var mu sync.Mutex
	var posted []*protocol.Envelope
	reg := NewRegistry(func(e *protocol.Envelope) {
		mu.Lock()
		posted = append(posted, e)
		mu.Unlock()
	}, zap.NewNop(), 100, 0.01)

	p := reg.Create("a")
	p.Send("hi")
	require.Len(t, posted, 1)
	assert.Equal(t, protocol.TabID("a"), posted[0].TabID)

	assert.False(t, reg.Retired("a"))
	assert.True(t, reg.Remove("a"))
	assert.False(t, reg.Remove("a"))
	assert.True(t, reg.Retired("a"))

	_, ok := reg.Lookup("a")
	assert.False(t, ok)
}

func TestRegistryWithoutReuseDetection(t *testing.T) {
	reg := NewRegistry(func(*protocol.Envelope) {}, zap.NewNop(), 0, 0)
	reg.Create("a")
	reg.Remove("a")
	assert.False(t, reg.Retired("a"))
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, "", false, float64(0), 0, uint64(0)} {
		assert.False(t, truthy(v), "%#v", v)
	}
	for _, v := range []any{"x", true, float64(1), map[string]any{}, []any{}} {
		assert.True(t, truthy(v), "%#v", v)
	}
}

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
		return nil
	}
}
