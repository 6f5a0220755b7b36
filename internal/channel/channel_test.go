package channel

import (
	"sync"
	"testing"
	"time"

	"sshcore/internal/wire"
)

// loopback wires a Channel's outbound frames directly into a decoder
// so tests can assert on what gets sent without a real session.
type loopback struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *loopback) send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), payload...)
	l.frames = append(l.frames, cp)
	return nil
}

func (l *loopback) last() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return nil
	}
	return l.frames[len(l.frames)-1]
}

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func TestSendDataChunksToMaxPacket(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 1<<20, 1<<20, 10, 4, lb.send)

	if err := ch.SendData([]byte("abcdefghij")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if got := lb.count(); got != 3 {
		t.Fatalf("expected 3 chunks (4+4+2), got %d", got)
	}
}

func TestSendDataBlocksUntilWindowAdjust(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 1<<20, 1<<20, 2, 1<<20, lb.send)

	done := make(chan error, 1)
	go func() { done <- ch.SendData([]byte("abcdef")) }()

	select {
	case <-done:
		t.Fatalf("SendData returned before window credit was available")
	default:
	}

	ch.HandleWindowAdjust(4)
	if err := <-done; err != nil {
		t.Fatalf("SendData: %v", err)
	}
}

func TestHandleDataRejectsOverWindow(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 4, 1<<20, 0, 0, lb.send)
	if err := ch.HandleData(make([]byte, 5)); err == nil {
		t.Fatalf("expected error for data exceeding local window")
	}
}

func TestHandleDataSendsWindowAdjustPastThreshold(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 100, 1<<20, 0, 0, lb.send)
	var got []byte
	ch.SetDataSinks(func(d []byte) { got = d }, nil)

	if err := ch.HandleData(make([]byte, 60)); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if len(got) != 60 {
		t.Fatalf("data sink got %d bytes, want 60", len(got))
	}
	frame := lb.last()
	if frame == nil || frame[0] != MsgChannelWindowAdjust {
		t.Fatalf("expected a WINDOW_ADJUST frame, got %v", frame)
	}
}

func TestSendCloseUnblocksPendingSend(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 1<<20, 1<<20, 0, 1<<20, lb.send)

	done := make(chan error, 1)
	go func() { done <- ch.SendData([]byte("x")) }()

	if err := ch.SendClose(); err != nil {
		t.Fatalf("SendClose: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatalf("expected SendData to fail once channel closed")
	}
}

func TestCloseBothDirections(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 1<<20, 1<<20, 1<<20, 1<<20, lb.send)
	if ch.IsFullyClosed() {
		t.Fatalf("fresh channel should not be closed")
	}
	if err := ch.SendClose(); err != nil {
		t.Fatalf("SendClose: %v", err)
	}
	if ch.IsFullyClosed() {
		t.Fatalf("only local side closed so far")
	}
	if both := ch.HandleClose(); !both {
		t.Fatalf("expected HandleClose to report both sides closed")
	}
	if !ch.IsFullyClosed() {
		t.Fatalf("expected channel fully closed")
	}
}

func TestSendRequestWaitsForReply(t *testing.T) {
	lb := &loopback{}
	ch := New(0, 7, TypeSession, 1<<20, 1<<20, 1<<20, 1<<20, lb.send)

	done := make(chan bool, 1)
	go func() {
		ok, err := ch.SendRequest("exec", true, wire.NewBuilder(0).String("ls").Payload()[1:])
		if err != nil {
			t.Errorf("SendRequest: %v", err)
		}
		done <- ok
	}()

	// Give the goroutine a chance to enqueue before resolving.
	for lb.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := ch.ResolveRequestReply(true); err != nil {
		t.Fatalf("ResolveRequestReply: %v", err)
	}
	if ok := <-done; !ok {
		t.Fatalf("expected successful reply")
	}
}

func TestTableAllocFreeReuse(t *testing.T) {
	tbl := NewTable()
	a := tbl.Alloc()
	b := tbl.Alloc()
	if a == b {
		t.Fatalf("expected distinct ids, got %d twice", a)
	}
	tbl.Free(a)
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 live id after freeing one of two, got %d", tbl.Len())
	}
	c := tbl.Alloc()
	if c == b {
		t.Fatalf("newly allocated id collided with a still-live one")
	}
}

func TestHostKeysAnnounceRoundTrip(t *testing.T) {
	blobs := [][]byte{[]byte("key-one"), []byte("key-two")}
	data := EncodeHostKeysAnnounce(blobs)
	got, err := DecodeHostKeysAnnounce(data)
	if err != nil {
		t.Fatalf("DecodeHostKeysAnnounce: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "key-one" || string(got[1]) != "key-two" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestHostKeysProveRequestAndResponseRoundTrip(t *testing.T) {
	blobs := [][]byte{[]byte("key-one")}
	reqData := EncodeHostKeysProveRequest(blobs)
	gotBlobs, err := DecodeHostKeysProveRequest(reqData)
	if err != nil {
		t.Fatalf("DecodeHostKeysProveRequest: %v", err)
	}
	if len(gotBlobs) != 1 || string(gotBlobs[0]) != "key-one" {
		t.Fatalf("request round trip mismatch: %v", gotBlobs)
	}

	sigs := [][]byte{[]byte("signature-one")}
	respData := EncodeHostKeysProveResponse(sigs)
	gotSigs, err := DecodeHostKeysProveResponse(respData)
	if err != nil {
		t.Fatalf("DecodeHostKeysProveResponse: %v", err)
	}
	if len(gotSigs) != 1 || string(gotSigs[0]) != "signature-one" {
		t.Fatalf("response round trip mismatch: %v", gotSigs)
	}
}

func TestHostKeysProveSignatureDataFramesSessionAndKey(t *testing.T) {
	sessionID := []byte("session-id")
	keyBlob := []byte("key-blob")
	data := HostKeysProveSignatureData(sessionID, keyBlob)

	r := wire.NewReader(data)
	gotSession, err := r.Bytes()
	if err != nil || string(gotSession) != string(sessionID) {
		t.Fatalf("expected session id %q, got %q (err=%v)", sessionID, gotSession, err)
	}
	gotName, err := r.String()
	if err != nil || gotName != GlobalRequestHostKeysProve {
		t.Fatalf("expected request name %q, got %q (err=%v)", GlobalRequestHostKeysProve, gotName, err)
	}
	gotKey, err := r.Bytes()
	if err != nil || string(gotKey) != string(keyBlob) {
		t.Fatalf("expected key blob %q, got %q (err=%v)", keyBlob, gotKey, err)
	}
}
