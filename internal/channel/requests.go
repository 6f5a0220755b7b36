package channel

import (
	"fmt"
	"sync"

	"sshcore/internal/wire"
)

// requestReply is delivered to whoever sent a want_reply request once
// the matching SUCCESS or FAILURE arrives.
type requestReply struct {
	ok   bool
	data []byte
}

// requestQueue serializes want_reply requests sent on one direction
// (a channel, or the connection's global-request stream) so replies -
// which the protocol never tags with an identifier - are matched to
// the request that is oldest and still outstanding, per RFC 4254 §4.
type requestQueue struct {
	mu      sync.Mutex
	pending []chan requestReply
}

func newRequestQueue() *requestQueue {
	return &requestQueue{}
}

// Push registers a new outstanding request and returns the channel its
// reply will be delivered on.
func (q *requestQueue) Push() <-chan requestReply {
	ch := make(chan requestReply, 1)
	q.mu.Lock()
	q.pending = append(q.pending, ch)
	q.mu.Unlock()
	return ch
}

// Resolve delivers the next unresolved reply in FIFO order. It returns
// false if no request was outstanding, which is a protocol violation
// by the peer.
func (q *requestQueue) Resolve(ok bool, data []byte) bool {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	ch := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	ch <- requestReply{ok: ok, data: data}
	close(ch)
	return true
}

// ErrNoOutstandingRequest is returned when a SUCCESS/FAILURE arrives
// with nothing queued to match it against.
var ErrNoOutstandingRequest = fmt.Errorf("channel: unexpected reply, no outstanding request")

// SendRequest issues a CHANNEL_REQUEST and, if wantReply, blocks for
// the matching CHANNEL_SUCCESS/CHANNEL_FAILURE.
func (c *Channel) SendRequest(name string, wantReply bool, requestData []byte) (bool, error) {
	b := wire.NewBuilder(MsgChannelRequest).Uint32(c.RemoteID).String(name).Bool(wantReply)
	b.Raw(requestData)
	var replyCh <-chan requestReply
	if wantReply {
		replyCh = c.requests.Push()
	}
	if err := c.send(b.Payload()); err != nil {
		return false, err
	}
	if !wantReply {
		return true, nil
	}
	reply := <-replyCh
	return reply.ok, nil
}

// ResolveRequestReply feeds an inbound CHANNEL_SUCCESS/CHANNEL_FAILURE
// to this channel's pending-request queue.
func (c *Channel) ResolveRequestReply(ok bool) error {
	if !c.requests.Resolve(ok, nil) {
		return ErrNoOutstandingRequest
	}
	return nil
}

// RequestHandler answers an inbound CHANNEL_REQUEST or GLOBAL_REQUEST.
// It returns whether the request succeeded and, for global requests
// that produce data (e.g. tcpip-forward's allocated port), the
// response payload to attach to REQUEST_SUCCESS.
type RequestHandler func(name string, requestData []byte) (ok bool, response []byte)

// HandleChannelRequest dispatches an inbound CHANNEL_REQUEST to
// handler and, if wantReply, sends CHANNEL_SUCCESS/CHANNEL_FAILURE.
// An unrecognized request name that handler rejects still gets a
// well-formed FAILURE reply rather than being silently dropped, per
// spec.md §4.5.
func (c *Channel) HandleChannelRequest(name string, wantReply bool, requestData []byte, handler RequestHandler) error {
	ok, _ := handler(name, requestData)
	if !wantReply {
		return nil
	}
	msgType := byte(MsgChannelFailure)
	if ok {
		msgType = MsgChannelSuccess
	}
	return c.send(wire.NewBuilder(msgType).Uint32(c.RemoteID).Payload())
}
