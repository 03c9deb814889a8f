package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePeer is the server end of a StreamTransport under test. It reads
// the client's requests and writes whatever the test tells it to.
type fakePeer struct {
	t   *testing.T
	in  *bufio.Reader  // client -> peer
	out io.WriteCloser // peer -> client
	wmu sync.Mutex
}

func newStreamPair(t *testing.T, pipelining bool) (*StreamTransport, *fakePeer) {
	t.Helper()
	toPeerR, toPeerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	tr := NewStreamTransport(NewConn(toClientR, toPeerW, nil), StreamOptions{Pipelining: pipelining})
	peer := &fakePeer{t: t, in: bufio.NewReader(toPeerR), out: toClientW}

	t.Cleanup(func() {
		tr.Close()
		toClientW.Close()
		toPeerR.Close()
	})
	return tr, peer
}

// next reads one request written by the client.
func (p *fakePeer) next() Request {
	p.t.Helper()
	line, err := p.in.ReadBytes('\n')
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		p.t.Fatalf("peer decode %q: %v", line, err)
	}
	return req
}

func (p *fakePeer) write(s string) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	io.WriteString(p.out, s)
}

func (p *fakePeer) reply(id int64, result string) {
	p.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result))
}

type sendResult struct {
	resp *Response
	err  error
}

func sendAsync(tr *StreamTransport, ctx context.Context, id int64) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		resp, err := tr.Send(ctx, NewRequest(id, "tools/call", map[string]any{"name": "x"}))
		ch <- sendResult{resp, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return")
		return sendResult{}
	}
}

func TestStreamTransport_RoundTrip(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch := sendAsync(tr, context.Background(), 1)
	req := peer.next()
	if req.ID != 1 || req.Method != "tools/call" || req.JSONRPC != "2.0" {
		t.Fatalf("peer saw %+v", req)
	}
	peer.reply(1, `{"content":[]}`)

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("Send: %v", r.err)
	}
	if r.resp.ID != 1 || string(r.resp.Result) != `{"content":[]}` {
		t.Errorf("resp = %+v", r.resp)
	}

	st := tr.Stats()
	if st.Sent != 1 || st.Received != 1 || st.Unmatched != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestStreamTransport_OutOfOrderResponses(t *testing.T) {
	tr, peer := newStreamPair(t, true)

	ch1 := sendAsync(tr, context.Background(), 1)
	ch2 := sendAsync(tr, context.Background(), 2)

	seen := map[int64]bool{}
	seen[peer.next().ID] = true
	seen[peer.next().ID] = true
	if !seen[1] || !seen[2] {
		t.Fatalf("peer saw ids %v, want 1 and 2", seen)
	}

	peer.reply(2, `"second"`)
	peer.reply(1, `"first"`)

	if r := await(t, ch1); r.err != nil || string(r.resp.Result) != `"first"` {
		t.Errorf("request 1 got %+v, %v", r.resp, r.err)
	}
	if r := await(t, ch2); r.err != nil || string(r.resp.Result) != `"second"` {
		t.Errorf("request 2 got %+v, %v", r.resp, r.err)
	}
}

func TestStreamTransport_SerializesWithoutPipelining(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch1 := sendAsync(tr, context.Background(), 1)
	first := peer.next()

	ch2 := sendAsync(tr, context.Background(), 2)

	// The second request must not reach the wire until the first is answered.
	got := make(chan Request, 1)
	go func() { got <- peer.next() }()

	select {
	case r := <-got:
		t.Fatalf("request %d sent while %d was in flight", r.ID, first.ID)
	case <-time.After(50 * time.Millisecond):
	}

	peer.reply(first.ID, `{}`)
	if r := await(t, ch1); r.err != nil {
		t.Fatalf("first Send: %v", r.err)
	}

	select {
	case second := <-got:
		peer.reply(second.ID, `{}`)
	case <-time.After(2 * time.Second):
		t.Fatal("second request never sent")
	}
	if r := await(t, ch2); r.err != nil {
		t.Fatalf("second Send: %v", r.err)
	}
}

func TestStreamTransport_UnmatchedResponseDropped(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch := sendAsync(tr, context.Background(), 5)
	peer.next()

	peer.reply(99, `"stray"`)
	peer.reply(5, `"mine"`)

	r := await(t, ch)
	if r.err != nil || string(r.resp.Result) != `"mine"` {
		t.Fatalf("Send = %+v, %v", r.resp, r.err)
	}
	if got := tr.Stats().Unmatched; got != 1 {
		t.Errorf("Unmatched = %d, want 1", got)
	}
}

func TestStreamTransport_SkipsNoise(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch := sendAsync(tr, context.Background(), 1)
	peer.next()

	peer.write("starting server...\n")
	peer.write("\n")
	peer.write(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}` + "\n")
	peer.reply(1, `"ok"`)

	if r := await(t, ch); r.err != nil || string(r.resp.Result) != `"ok"` {
		t.Fatalf("Send = %+v, %v", r.resp, r.err)
	}
	if got := tr.Stats().Unmatched; got != 0 {
		t.Errorf("Unmatched = %d, want 0", got)
	}
}

func TestStreamTransport_AnswersServerPing(t *testing.T) {
	_, peer := newStreamPair(t, false)

	peer.write(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}` + "\n")

	line, err := peer.in.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" || got.Error != nil || string(got.Result) != "{}" {
		t.Errorf("ping reply = %s", line)
	}

	peer.write(`{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}` + "\n")
	line, err = peer.in.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var rejected envelope
	if err := json.Unmarshal(line, &rejected); err != nil {
		t.Fatal(err)
	}
	if string(rejected.ID) != "7" || rejected.Error == nil || rejected.Error.Code != codeMethodNotFound {
		t.Errorf("unsupported request reply = %s", line)
	}
}

func TestStreamTransport_CloseUnblocksPending(t *testing.T) {
	tr, peer := newStreamPair(t, true)

	ch1 := sendAsync(tr, context.Background(), 1)
	ch2 := sendAsync(tr, context.Background(), 2)
	peer.next()
	peer.next()

	if err := tr.Close(); err != nil {
		t.Logf("Close: %v", err)
	}

	for _, ch := range []<-chan sendResult{ch1, ch2} {
		if r := await(t, ch); !errors.Is(r.err, ErrChannelClosed) {
			t.Errorf("pending Send = %v, want ErrChannelClosed", r.err)
		}
	}

	_, err := tr.Send(context.Background(), NewRequest(3, "ping", nil))
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send after Close = %v, want ErrChannelClosed", err)
	}
	if err := tr.Notify(context.Background(), NewNotification("x", nil)); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Notify after Close = %v, want ErrChannelClosed", err)
	}
}

func TestStreamTransport_PeerHangupClosesChannel(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch := sendAsync(tr, context.Background(), 1)
	peer.next()
	peer.out.Close()

	if r := await(t, ch); !errors.Is(r.err, ErrChannelClosed) {
		t.Fatalf("Send = %v, want ErrChannelClosed", r.err)
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after peer hangup")
	}
}

func TestStreamTransport_PartialLineAtEOF(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ch := sendAsync(tr, context.Background(), 1)
	peer.next()
	peer.write(`{"jsonrpc":"2.0","id":1,"res`)
	peer.out.Close()

	if r := await(t, ch); !errors.Is(r.err, ErrChannelClosed) {
		t.Fatalf("Send = %+v, %v; a truncated message must not be delivered", r.resp, r.err)
	}
}

func TestStreamTransport_LateResponseAfterCancel(t *testing.T) {
	tr, peer := newStreamPair(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(tr, ctx, 1)
	peer.next()
	cancel()

	if r := await(t, ch); !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Send = %v, want context.Canceled", r.err)
	}

	// The slot is free again and the late answer is not mistaken for a
	// protocol error.
	ch2 := sendAsync(tr, context.Background(), 2)
	peer.reply(1, `"late"`)
	peer.next()
	peer.reply(2, `"fresh"`)

	if r := await(t, ch2); r.err != nil || string(r.resp.Result) != `"fresh"` {
		t.Fatalf("Send = %+v, %v", r.resp, r.err)
	}
	if got := tr.Stats().Unmatched; got != 0 {
		t.Errorf("Unmatched = %d, want 0", got)
	}
}

func TestStreamTransport_AcquireRespectsContext(t *testing.T) {
	tr, _ := newStreamPair(t, false)

	// Simulate another request holding the slot.
	tr.sem <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("acquire() = %v, want context.DeadlineExceeded", err)
	}

	tr.release()
	if err := tr.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release = %v", err)
	}
	tr.release()
}

func TestStreamTransport_AcquireAlreadyCancelled(t *testing.T) {
	tr, _ := newStreamPair(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire() = %v, want context.Canceled", err)
	}
	if len(tr.sem) != 0 {
		t.Error("cancelled acquire left the slot taken")
	}
}

func TestStreamTransport_AcquireUnblocksOnClose(t *testing.T) {
	tr, _ := newStreamPair(t, false)
	tr.sem <- struct{}{}

	errc := make(chan error, 1)
	go func() { errc <- tr.acquire(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("acquire() = %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire still blocked after Close")
	}
}

func TestStreamTransport_PipeliningHasNoSemaphore(t *testing.T) {
	tr, _ := newStreamPair(t, true)
	if tr.sem != nil {
		t.Error("pipelined transport should not serialize requests")
	}
}
