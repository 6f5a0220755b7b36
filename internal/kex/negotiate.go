package kex

import (
	"fmt"
	"io"

	"sshcore/internal/bpp"
	"sshcore/internal/wire"
)

const (
	MsgKexInit  = 20
	MsgNewKeys  = 21
)

const (
	StrictKexClientExt = "kex-strict-c-v00@openssh.com"
	StrictKexServerExt = "kex-strict-s-v00@openssh.com"
)

// Preferences is one side's ordered algorithm lists, sent as
// SSH_MSG_KEXINIT.
type Preferences struct {
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	CiphersClientToServer   []string
	CiphersServerToClient   []string
	MACsClientToServer      []string
	MACsServerToClient      []string
	CompressionsC2S         []string
	CompressionsS2C         []string
	LanguagesC2S            []string
	LanguagesS2C            []string
}

// KexInitMessage is a decoded SSH_MSG_KEXINIT.
type KexInitMessage struct {
	Cookie [16]byte
	Preferences
	FirstKexPacketFollows bool
}

// Encode renders m as a wire payload, generating a fresh cookie if the
// caller hasn't already set one (a zero cookie is never sent on
// purpose since it is a real, if vanishingly unlikely, wire value).
func (m *KexInitMessage) Encode(randSource io.Reader) []byte {
	if m.Cookie == ([16]byte{}) {
		io.ReadFull(randSource, m.Cookie[:])
	}
	b := wire.NewBuilder(MsgKexInit)
	b.Raw(m.Cookie[:])
	b.NameList(m.KexAlgorithms)
	b.NameList(m.ServerHostKeyAlgorithms)
	b.NameList(m.CiphersClientToServer)
	b.NameList(m.CiphersServerToClient)
	b.NameList(m.MACsClientToServer)
	b.NameList(m.MACsServerToClient)
	b.NameList(m.CompressionsC2S)
	b.NameList(m.CompressionsS2C)
	b.NameList(m.LanguagesC2S)
	b.NameList(m.LanguagesS2C)
	b.Bool(m.FirstKexPacketFollows)
	b.Uint32(0) // reserved
	return b.Payload()
}

// DecodeKexInit parses a raw SSH_MSG_KEXINIT payload.
func DecodeKexInit(payload []byte) (*KexInitMessage, error) {
	r := wire.NewReader(payload)
	msgType, err := r.Byte()
	if err != nil || msgType != MsgKexInit {
		return nil, fmt.Errorf("kex: expected KEXINIT, got type %d", msgType)
	}
	m := &KexInitMessage{}
	for i := range m.Cookie {
		c, err := r.Byte()
		if err != nil {
			return nil, fmt.Errorf("kex: malformed KEXINIT cookie")
		}
		m.Cookie[i] = c
	}

	fields := []*[]string{
		&m.KexAlgorithms, &m.ServerHostKeyAlgorithms,
		&m.CiphersClientToServer, &m.CiphersServerToClient,
		&m.MACsClientToServer, &m.MACsServerToClient,
		&m.CompressionsC2S, &m.CompressionsS2C,
		&m.LanguagesC2S, &m.LanguagesS2C,
	}
	for _, f := range fields {
		list, err := r.NameList()
		if err != nil {
			return nil, err
		}
		*f = list
	}
	guess, err := r.Bool()
	if err != nil {
		return nil, err
	}
	m.FirstKexPacketFollows = guess
	return m, nil
}

// Negotiated is one full round of algorithm selection, per direction
// where the base algorithm can differ (cipher, MAC, compression).
type Negotiated struct {
	Kex                        string
	HostKey                    string
	CipherClientToServer       string
	CipherServerToClient       string
	MACClientToServer          string
	MACServerToClient          string
	CompressionClientToServer  string
	CompressionServerToClient  string
	StrictKex                  bool
	GuessFollowsAndMatches     bool
}

// firstMatch returns the first entry of client that also appears in
// server, per RFC 4253 §7.1's "client's preference order" rule.
func firstMatch(client, server []string) (string, bool) {
	set := make(map[string]bool, len(server))
	for _, s := range server {
		set[s] = true
	}
	for _, c := range client {
		if set[c] {
			return c, true
		}
	}
	return "", false
}

// Negotiate selects every algorithm slot from a client's and a
// server's KEXINIT messages, applying the guess-optimism rule: the
// guess "matches" only if the client's and server's first KEX and
// first host-key preference agree.
func Negotiate(client, server *KexInitMessage) (*Negotiated, error) {
	n := &Negotiated{}
	var ok bool

	if n.Kex, ok = firstMatch(client.KexAlgorithms, server.KexAlgorithms); !ok {
		return nil, fmt.Errorf("kex: no common kex algorithm")
	}
	if n.HostKey, ok = firstMatch(client.ServerHostKeyAlgorithms, server.ServerHostKeyAlgorithms); !ok {
		return nil, fmt.Errorf("kex: no common host key algorithm")
	}
	if n.CipherClientToServer, ok = firstMatch(client.CiphersClientToServer, server.CiphersClientToServer); !ok {
		return nil, fmt.Errorf("kex: no common client-to-server cipher")
	}
	if n.CipherServerToClient, ok = firstMatch(client.CiphersServerToClient, server.CiphersServerToClient); !ok {
		return nil, fmt.Errorf("kex: no common server-to-client cipher")
	}
	if !bpp.IsAEADCipher(n.CipherClientToServer) {
		if n.MACClientToServer, ok = firstMatch(client.MACsClientToServer, server.MACsClientToServer); !ok {
			return nil, fmt.Errorf("kex: no common client-to-server mac")
		}
	}
	if !bpp.IsAEADCipher(n.CipherServerToClient) {
		if n.MACServerToClient, ok = firstMatch(client.MACsServerToClient, server.MACsServerToClient); !ok {
			return nil, fmt.Errorf("kex: no common server-to-client mac")
		}
	}
	if n.CompressionClientToServer, ok = firstMatch(client.CompressionsC2S, server.CompressionsC2S); !ok {
		return nil, fmt.Errorf("kex: no common client-to-server compression")
	}
	if n.CompressionServerToClient, ok = firstMatch(client.CompressionsS2C, server.CompressionsS2C); !ok {
		return nil, fmt.Errorf("kex: no common server-to-client compression")
	}

	clientStrict := contains(client.KexAlgorithms, StrictKexClientExt)
	serverStrict := contains(server.KexAlgorithms, StrictKexServerExt)
	n.StrictKex = clientStrict && serverStrict

	firstKexMatches := len(client.KexAlgorithms) > 0 && len(server.KexAlgorithms) > 0 &&
		client.KexAlgorithms[0] == server.KexAlgorithms[0]
	firstHostKeyMatches := len(client.ServerHostKeyAlgorithms) > 0 && len(server.ServerHostKeyAlgorithms) > 0 &&
		client.ServerHostKeyAlgorithms[0] == server.ServerHostKeyAlgorithms[0]
	n.GuessFollowsAndMatches = firstKexMatches && firstHostKeyMatches

	return n, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DefaultPreferences returns the preference lists this engine offers
// when it has no session-specific configuration override, drawn from
// the registries in algorithms.go/bpp. Each role advertises only its
// own half of the strict-kex extension name pair.
func DefaultPreferences(role Role) Preferences {
	ciphers := excludeName(bpp.CipherNames(), "none")
	macs := excludeName(bpp.MACNames(), "none")
	strictExt := StrictKexClientExt
	if role == RoleServer {
		strictExt = StrictKexServerExt
	}
	return Preferences{
		KexAlgorithms:           append(MethodNames(), strictExt),
		ServerHostKeyAlgorithms: HostKeyAlgorithmNames(),
		CiphersClientToServer:   ciphers,
		CiphersServerToClient:   ciphers,
		MACsClientToServer:      macs,
		MACsServerToClient:      macs,
		CompressionsC2S:         []string{"none", "zlib@openssh.com", "zlib"},
		CompressionsS2C:         []string{"none", "zlib@openssh.com", "zlib"},
		LanguagesC2S:            nil,
		LanguagesS2C:            nil,
	}
}

func excludeName(names []string, exclude string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != exclude {
			out = append(out, n)
		}
	}
	return out
}
