package channel

import (
	"fmt"
	"sync"

	"sshcore/internal/wire"
)

// SendFunc transmits one already-encoded message payload to the peer.
// Channel never holds a Session reference; sshcore injects this
// closure instead, so the relationship is a lookup, not ownership.
type SendFunc func(payload []byte) error

// DataSink receives inbound channel data in order. ExtendedDataSink
// receives inbound extended data (stderr) the same way.
type DataSink func(data []byte)
type ExtendedDataSink func(dataType uint32, data []byte)

// windowAdjustThreshold is the fraction of the initial window that,
// once consumed, triggers a CHANNEL_WINDOW_ADJUST to replenish it.
const windowAdjustThreshold = 0.5

// Channel is one multiplexed stream within a session, per spec.md §3.
type Channel struct {
	LocalID  uint32
	RemoteID uint32
	Type     Type

	send SendFunc

	mu              sync.Mutex
	cond            *sync.Cond
	localWindow     uint32
	localInitial    uint32
	localMaxPacket  uint32
	remoteWindow    uint32
	remoteMaxPacket uint32
	localClosed     bool
	remoteClosed    bool
	eofSent         bool
	eofReceived     bool

	dataSink    DataSink
	extDataSink ExtendedDataSink

	requests *requestQueue
}

// New constructs a Channel already granted the given local and remote
// window/max-packet parameters, wired to send through send.
func New(localID, remoteID uint32, typ Type, localInitialWindow, localMaxPacket, remoteWindow, remoteMaxPacket uint32, send SendFunc) *Channel {
	c := &Channel{
		LocalID:         localID,
		RemoteID:        remoteID,
		Type:            typ,
		send:            send,
		localWindow:     localInitialWindow,
		localInitial:    localInitialWindow,
		localMaxPacket:  localMaxPacket,
		remoteWindow:    remoteWindow,
		remoteMaxPacket: remoteMaxPacket,
		requests:        newRequestQueue(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetDataSinks installs the callbacks invoked for inbound data and
// extended data. Must be called before any data can arrive.
func (c *Channel) SetDataSinks(data DataSink, ext ExtendedDataSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataSink = data
	c.extDataSink = ext
}

// SendData writes payload to the peer, chunking it to remoteMaxPacket
// and blocking on remoteWindow credit as needed. It never sends more
// than the remote window allows in a single CHANNEL_DATA message.
func (c *Channel) SendData(payload []byte) error {
	for len(payload) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && !c.localClosed {
			c.cond.Wait()
		}
		if c.localClosed {
			c.mu.Unlock()
			return fmt.Errorf("channel: closed while waiting for window credit")
		}
		chunk := uint32(len(payload))
		if chunk > c.remoteMaxPacket {
			chunk = c.remoteMaxPacket
		}
		if chunk > c.remoteWindow {
			chunk = c.remoteWindow
		}
		c.remoteWindow -= chunk
		c.mu.Unlock()

		msg := wire.NewBuilder(MsgChannelData).Uint32(c.RemoteID).Bytes(payload[:chunk]).Payload()
		if err := c.send(msg); err != nil {
			return err
		}
		payload = payload[chunk:]
	}
	return nil
}

// SendExtendedData is SendData's counterpart for CHANNEL_EXTENDED_DATA
// (e.g. stderr); it consumes the same window as ordinary data per RFC
// 4254 §5.2.
func (c *Channel) SendExtendedData(dataType uint32, payload []byte) error {
	for len(payload) > 0 {
		c.mu.Lock()
		for c.remoteWindow == 0 && !c.localClosed {
			c.cond.Wait()
		}
		if c.localClosed {
			c.mu.Unlock()
			return fmt.Errorf("channel: closed while waiting for window credit")
		}
		chunk := uint32(len(payload))
		if chunk > c.remoteMaxPacket {
			chunk = c.remoteMaxPacket
		}
		if chunk > c.remoteWindow {
			chunk = c.remoteWindow
		}
		c.remoteWindow -= chunk
		c.mu.Unlock()

		msg := wire.NewBuilder(MsgChannelExtendedData).Uint32(c.RemoteID).Uint32(dataType).Bytes(payload[:chunk]).Payload()
		if err := c.send(msg); err != nil {
			return err
		}
		payload = payload[chunk:]
	}
	return nil
}

// HandleData processes an inbound CHANNEL_DATA payload: it is fatal
// (a protocol violation) if data exceeds our advertised local window.
func (c *Channel) HandleData(data []byte) error {
	return c.handleInbound(data, func(d []byte) {
		if c.dataSink != nil {
			c.dataSink(d)
		}
	})
}

// HandleExtendedData processes inbound CHANNEL_EXTENDED_DATA.
func (c *Channel) HandleExtendedData(dataType uint32, data []byte) error {
	return c.handleInbound(data, func(d []byte) {
		if c.extDataSink != nil {
			c.extDataSink(dataType, d)
		}
	})
}

func (c *Channel) handleInbound(data []byte, deliver func([]byte)) error {
	c.mu.Lock()
	if uint32(len(data)) > c.localWindow {
		c.mu.Unlock()
		return fmt.Errorf("channel %d: inbound data of %d bytes exceeds local window %d", c.LocalID, len(data), c.localWindow)
	}
	c.localWindow -= uint32(len(data))
	needAdjust := c.localWindow < uint32(float64(c.localInitial)*windowAdjustThreshold)
	var grant uint32
	if needAdjust {
		grant = c.localInitial - c.localWindow
		c.localWindow = c.localInitial
	}
	c.mu.Unlock()

	deliver(data)

	if needAdjust && grant > 0 {
		msg := wire.NewBuilder(MsgChannelWindowAdjust).Uint32(c.RemoteID).Uint32(grant).Payload()
		return c.send(msg)
	}
	return nil
}

// HandleWindowAdjust applies an inbound CHANNEL_WINDOW_ADJUST: the
// peer is granting us more room to send.
func (c *Channel) HandleWindowAdjust(delta uint32) {
	c.mu.Lock()
	c.remoteWindow += delta
	c.mu.Unlock()
	c.cond.Broadcast()
}

// SendEOF sends CHANNEL_EOF if we haven't already.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.eofSent {
		c.mu.Unlock()
		return nil
	}
	c.eofSent = true
	c.mu.Unlock()
	return c.send(wire.NewBuilder(MsgChannelEOF).Uint32(c.RemoteID).Payload())
}

// HandleEOF records that the peer sent CHANNEL_EOF.
func (c *Channel) HandleEOF() { c.mu.Lock(); c.eofReceived = true; c.mu.Unlock() }

// SendClose sends CHANNEL_CLOSE if we haven't already, and wakes any
// blocked SendData/SendExtendedData callers.
func (c *Channel) SendClose() error {
	c.mu.Lock()
	if c.localClosed {
		c.mu.Unlock()
		return nil
	}
	c.localClosed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return c.send(wire.NewBuilder(MsgChannelClose).Uint32(c.RemoteID).Payload())
}

// HandleClose records that the peer sent CHANNEL_CLOSE and reports
// whether both sides have now closed, meaning the channel is ready to
// be freed from its table.
func (c *Channel) HandleClose() (bothClosed bool) {
	c.mu.Lock()
	c.remoteClosed = true
	bothClosed = c.localClosed
	c.mu.Unlock()
	return bothClosed
}

// IsFullyClosed reports whether both directions have closed.
func (c *Channel) IsFullyClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localClosed && c.remoteClosed
}
