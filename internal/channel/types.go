package channel

// Message numbers this package emits and consumes, matching
// sshcore's RangeConnectionGeneric and RangeChannel.
const (
	MsgGlobalRequest      = 80
	MsgRequestSuccess     = 81
	MsgRequestFailure     = 82

	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// OpenFailureReason is the SSH_MSG_CHANNEL_OPEN_FAILURE reason code
// space of RFC 4254 §5.1.
type OpenFailureReason uint32

const (
	ReasonAdministrativelyProhibited OpenFailureReason = 1
	ReasonConnectFailed              OpenFailureReason = 2
	ReasonUnknownChannelType         OpenFailureReason = 3
	ReasonResourceShortage           OpenFailureReason = 4
)

// ExtendedDataType identifies an SSH_MSG_CHANNEL_EXTENDED_DATA
// stream; only stderr is defined by the base protocol (RFC 4254 §5.2).
const ExtendedDataStderr = 1

// Type identifies a channel's open type, per RFC 4254 §6.1 and the
// well-known extensions.
type Type string

const (
	TypeSession        Type = "session"
	TypeDirectTCPIP    Type = "direct-tcpip"
	TypeForwardedTCPIP Type = "forwarded-tcpip"
	TypeX11            Type = "x11"
)
