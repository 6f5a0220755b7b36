package channel

import (
	"fmt"
	"sync"

	"sshcore/internal/wire"
)

// OpenHandler decides how to answer an inbound SSH_MSG_CHANNEL_OPEN.
// accept controls whether a CHANNEL_OPEN_CONFIRMATION or a
// CHANNEL_OPEN_FAILURE(reason) goes back to the peer.
type OpenHandler func(typ Type, extra []byte, remoteID, remoteWindow, remoteMaxPacket uint32) (localWindow, localMaxPacket uint32, accept bool, reason OpenFailureReason, description string)

type openOutcome struct {
	channel     *Channel
	reason      OpenFailureReason
	description string
}

// Manager is the Connection Layer's per-session state: the channel
// table, the global-request reply queue, and the hooks a caller
// installs to accept inbound opens and requests. sshcore owns one
// Manager per Session and feeds it every RangeConnectionGeneric and
// RangeChannel message it decodes; Manager never reads from the wire
// itself, only through the payloads it is handed.
type Manager struct {
	table *Table
	send  SendFunc

	defaultInitialWindow uint32
	defaultMaxPacket     uint32

	openHandler   OpenHandler
	globalHandler RequestHandler

	globalReplies *requestQueue

	// OnChannel is called for every Channel this Manager creates,
	// whether from an inbound open we accepted or an outbound open
	// that the peer confirmed. It is the hook sshcore uses to wire
	// data sinks before any data can arrive.
	OnChannel func(*Channel)

	mu           sync.Mutex
	pendingOpens map[uint32]chan openOutcome
}

// NewManager constructs a Manager that writes outbound frames through
// send and answers inbound channel opens with openHandler and global
// requests with globalHandler. Either handler may be nil, in which
// case opens are refused as unknown-channel-type and global requests
// always fail - a conforming response, per RFC 4254 §4 and §5.1.
func NewManager(send SendFunc, initialWindow, maxPacket uint32, openHandler OpenHandler, globalHandler RequestHandler) *Manager {
	return &Manager{
		table:                NewTable(),
		send:                 send,
		defaultInitialWindow: initialWindow,
		defaultMaxPacket:     maxPacket,
		openHandler:          openHandler,
		globalHandler:        globalHandler,
		globalReplies:        newRequestQueue(),
		pendingOpens:         make(map[uint32]chan openOutcome),
	}
}

// Table exposes the channel table for lookups outside the dispatch
// path (e.g. session shutdown wants to close every live channel).
func (m *Manager) Table() *Table { return m.table }

// OpenChannel sends SSH_MSG_CHANNEL_OPEN and blocks for the peer's
// CHANNEL_OPEN_CONFIRMATION or CHANNEL_OPEN_FAILURE.
func (m *Manager) OpenChannel(typ Type, extra []byte) (*Channel, error) {
	localID := m.table.Alloc()
	outcome := make(chan openOutcome, 1)
	m.mu.Lock()
	m.pendingOpens[localID] = outcome
	m.mu.Unlock()

	b := wire.NewBuilder(MsgChannelOpen).String(string(typ)).Uint32(localID).
		Uint32(m.defaultInitialWindow).Uint32(m.defaultMaxPacket)
	b.Raw(extra)
	if err := m.send(b.Payload()); err != nil {
		m.mu.Lock()
		delete(m.pendingOpens, localID)
		m.mu.Unlock()
		m.table.Release(localID)
		return nil, err
	}

	result := <-outcome
	if result.channel == nil {
		m.table.Release(localID)
		return nil, fmt.Errorf("channel: open refused: %s (reason %d)", result.description, result.reason)
	}
	return result.channel, nil
}

// GlobalRequest sends SSH_MSG_GLOBAL_REQUEST and, if wantReply, blocks
// for SSH_MSG_REQUEST_SUCCESS/FAILURE.
func (m *Manager) GlobalRequest(name string, wantReply bool, requestData []byte) (bool, []byte, error) {
	b := wire.NewBuilder(MsgGlobalRequest).String(name).Bool(wantReply)
	b.Raw(requestData)
	var replyCh <-chan requestReply
	if wantReply {
		replyCh = m.globalReplies.Push()
	}
	if err := m.send(b.Payload()); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	reply := <-replyCh
	return reply.ok, reply.data, nil
}

// HandleChannelOpen processes an inbound SSH_MSG_CHANNEL_OPEN payload
// (message type already consumed by the caller).
func (m *Manager) HandleChannelOpen(r *wire.Reader) error {
	typ, err := r.String()
	if err != nil {
		return err
	}
	remoteID, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteWindow, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteMaxPacket, err := r.Uint32()
	if err != nil {
		return err
	}
	extra := r.Rest()

	if m.openHandler == nil {
		return m.sendOpenFailure(remoteID, ReasonUnknownChannelType, "no channel types accepted")
	}
	localWindow, localMaxPacket, accept, reason, description := m.openHandler(Type(typ), extra, remoteID, remoteWindow, remoteMaxPacket)
	if !accept {
		return m.sendOpenFailure(remoteID, reason, description)
	}

	localID := m.table.Alloc()
	ch := New(localID, remoteID, Type(typ), localWindow, localMaxPacket, remoteWindow, remoteMaxPacket, m.send)
	m.table.Bind(localID, ch)
	if m.OnChannel != nil {
		m.OnChannel(ch)
	}

	confirm := wire.NewBuilder(MsgChannelOpenConfirmation).Uint32(remoteID).Uint32(localID).
		Uint32(localWindow).Uint32(localMaxPacket).Payload()
	return m.send(confirm)
}

func (m *Manager) sendOpenFailure(remoteID uint32, reason OpenFailureReason, description string) error {
	f := wire.NewBuilder(MsgChannelOpenFailure).Uint32(remoteID).Uint32(uint32(reason)).String(description).String("").Payload()
	return m.send(f)
}

// HandleChannelOpenConfirmation resolves a pending outbound open.
func (m *Manager) HandleChannelOpenConfirmation(r *wire.Reader) error {
	localID, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteID, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteWindow, err := r.Uint32()
	if err != nil {
		return err
	}
	remoteMaxPacket, err := r.Uint32()
	if err != nil {
		return err
	}

	m.mu.Lock()
	outcome, ok := m.pendingOpens[localID]
	delete(m.pendingOpens, localID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel: open confirmation for unknown local id %d", localID)
	}

	ch := New(localID, remoteID, "", m.defaultInitialWindow, m.defaultMaxPacket, remoteWindow, remoteMaxPacket, m.send)
	m.table.Bind(localID, ch)
	if m.OnChannel != nil {
		m.OnChannel(ch)
	}
	outcome <- openOutcome{channel: ch}
	return nil
}

// HandleChannelOpenFailure resolves a pending outbound open as failed
// and releases its reserved local id.
func (m *Manager) HandleChannelOpenFailure(r *wire.Reader) error {
	localID, err := r.Uint32()
	if err != nil {
		return err
	}
	reason, err := r.Uint32()
	if err != nil {
		return err
	}
	description, err := r.String()
	if err != nil {
		return err
	}

	m.mu.Lock()
	outcome, ok := m.pendingOpens[localID]
	delete(m.pendingOpens, localID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel: open failure for unknown local id %d", localID)
	}
	outcome <- openOutcome{reason: OpenFailureReason(reason), description: description}
	return nil
}

// HandleGlobalRequest answers an inbound SSH_MSG_GLOBAL_REQUEST.
func (m *Manager) HandleGlobalRequest(r *wire.Reader) error {
	name, err := r.String()
	if err != nil {
		return err
	}
	wantReply, err := r.Bool()
	if err != nil {
		return err
	}
	data := r.Rest()

	var ok bool
	var response []byte
	if m.globalHandler != nil {
		ok, response = m.globalHandler(name, data)
	}
	if !wantReply {
		return nil
	}
	if !ok {
		return m.send(wire.NewBuilder(MsgRequestFailure).Payload())
	}
	b := wire.NewBuilder(MsgRequestSuccess)
	b.Raw(response)
	return m.send(b.Payload())
}

// HandleGlobalReply feeds an inbound REQUEST_SUCCESS/REQUEST_FAILURE
// to the outstanding GlobalRequest queue.
func (m *Manager) HandleGlobalReply(ok bool, data []byte) error {
	if !m.globalReplies.Resolve(ok, data) {
		return ErrNoOutstandingRequest
	}
	return nil
}

// Dispatch routes a fully-decoded connection-layer message (msgType
// plus the remaining payload reader) to the right handler. It covers
// every message in sshcore's RangeConnectionGeneric and RangeChannel
// buckets except CHANNEL_REQUEST/DATA/EXTENDED_DATA/WINDOW_ADJUST/
// EOF/CLOSE/SUCCESS/FAILURE, which are channel-scoped and require the
// caller to look the Channel up by local id first (see Lookup) since
// their handling depends on caller-supplied sinks and handlers.
func (m *Manager) Dispatch(msgType byte, r *wire.Reader) error {
	switch msgType {
	case MsgChannelOpen:
		return m.HandleChannelOpen(r)
	case MsgChannelOpenConfirmation:
		return m.HandleChannelOpenConfirmation(r)
	case MsgChannelOpenFailure:
		return m.HandleChannelOpenFailure(r)
	case MsgGlobalRequest:
		return m.HandleGlobalRequest(r)
	case MsgRequestSuccess:
		return m.HandleGlobalReply(true, r.Rest())
	case MsgRequestFailure:
		return m.HandleGlobalReply(false, nil)
	default:
		return fmt.Errorf("channel: message type %d is channel-scoped, use Lookup", msgType)
	}
}
