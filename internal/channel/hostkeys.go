package channel

import "sshcore/internal/wire"

// GlobalRequestHostKeys and GlobalRequestHostKeysProve implement the
// hostkeys-00@openssh.com / hostkeys-prove-00@openssh.com OpenSSH
// extension: a server advertises its full set of host keys after
// authentication so a client can learn about additions without a new
// connection, and can ask the server to prove ownership of any of
// them before trusting the new entries.
const (
	GlobalRequestHostKeys      = "hostkeys-00@openssh.com"
	GlobalRequestHostKeysProve = "hostkeys-prove-00@openssh.com"
)

// encodeBlobs builds a bare concatenation of SSH strings, no count
// prefix, matching the wire shape both hostkeys-00 messages use.
func encodeBlobs(blobs [][]byte) []byte {
	b := wire.NewBuilder(0)
	for _, blob := range blobs {
		b.Bytes(blob)
	}
	// NewBuilder always seeds a leading message-type byte; these
	// requests carry no message type of their own, only data.
	return b.Payload()[1:]
}

// decodeBlobs parses a bare concatenation of SSH strings.
func decodeBlobs(data []byte) ([][]byte, error) {
	r := wire.NewReader(data)
	var blobs [][]byte
	for r.Remaining() > 0 {
		blob, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

// EncodeHostKeysAnnounce builds the data portion of a hostkeys-00
// GLOBAL_REQUEST from the server's current set of host key blobs.
func EncodeHostKeysAnnounce(blobs [][]byte) []byte { return encodeBlobs(blobs) }

// DecodeHostKeysAnnounce parses the data portion of an inbound
// hostkeys-00 GLOBAL_REQUEST into its constituent key blobs.
func DecodeHostKeysAnnounce(data []byte) ([][]byte, error) { return decodeBlobs(data) }

// EncodeHostKeysProveRequest builds the data portion of a
// hostkeys-prove-00 GLOBAL_REQUEST: the key blobs the client wants
// proof of ownership for.
func EncodeHostKeysProveRequest(blobs [][]byte) []byte { return encodeBlobs(blobs) }

// DecodeHostKeysProveRequest is DecodeHostKeysAnnounce's counterpart
// for the prove request; the wire shape is identical.
func DecodeHostKeysProveRequest(data []byte) ([][]byte, error) { return decodeBlobs(data) }

// HostKeysProveSignatureData builds the data a server signs (and a
// client verifies) to prove ownership of one host key in a
// hostkeys-prove-00 response: the session identifier, the request
// name, and the key blob being proven, framed the way RFC 4252 §7
// frames publickey signature data.
func HostKeysProveSignatureData(sessionID []byte, keyBlob []byte) []byte {
	return wire.NewBuilder(0).Bytes(sessionID).String(GlobalRequestHostKeysProve).Bytes(keyBlob).Payload()[1:]
}

// EncodeHostKeysProveResponse builds the data portion of a
// hostkeys-prove-00 GLOBAL_REQUEST reply: one signature blob per key
// the request named, in the same order.
func EncodeHostKeysProveResponse(sigs [][]byte) []byte { return encodeBlobs(sigs) }

// DecodeHostKeysProveResponse parses a hostkeys-prove-00 reply into
// its constituent signature blobs.
func DecodeHostKeysProveResponse(data []byte) ([][]byte, error) { return decodeBlobs(data) }
