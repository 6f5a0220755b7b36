package sshcore

import "time"

// Config holds every option spec.md §6 lists for the core. There is
// no package-level mutable configuration for protocol behavior; every
// Session is constructed with one of these.
type Config struct {
	ClientIdentification string
	ServerIdentification string

	KexAlgorithms     []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string
	Compressions      []string

	RekeyBytesLimit  uint64
	RekeyPacketLimit uint64
	RekeyInterval    time.Duration

	ChannelInitialWindow uint32
	ChannelMaxPacket     uint32

	MaxAuthAttempts int
	AuthTimeout     time.Duration
	IdleTimeout     time.Duration
	CloseWait       time.Duration

	// StrictKex records whether this side offers the strict-kex
	// extension; DefaultConfig sets it to true. Session does not read
	// it: the default KEX list always advertises this side's strict-kex
	// name, and a KexAlgorithms override advertises it only if listed.
	StrictKex bool
}

const (
	defaultRekeyBytesLimit  = 1 << 30 // 1 GiB
	defaultRekeyPacketLimit = 1 << 32
	defaultRekeyInterval    = time.Hour

	defaultChannelInitialWindow = 2 << 20 // 2 MiB
	defaultChannelMaxPacket     = 32 << 10

	defaultMaxAuthAttempts = 6
	defaultAuthTimeout     = 2 * time.Minute
	defaultCloseWait       = 15 * time.Second

	defaultIdentPrefix = "SSH-2.0-sshcore_1.0"
)

// DefaultConfig returns a Config populated with every default named
// in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		ClientIdentification: defaultIdentPrefix,
		ServerIdentification: defaultIdentPrefix,
		RekeyBytesLimit:      defaultRekeyBytesLimit,
		RekeyPacketLimit:     defaultRekeyPacketLimit,
		RekeyInterval:        defaultRekeyInterval,
		ChannelInitialWindow: defaultChannelInitialWindow,
		ChannelMaxPacket:     defaultChannelMaxPacket,
		MaxAuthAttempts:      defaultMaxAuthAttempts,
		AuthTimeout:          defaultAuthTimeout,
		IdleTimeout:          0,
		CloseWait:            defaultCloseWait,
		StrictKex:            true,
	}
}
