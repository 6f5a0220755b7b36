package kex

import "sshcore/internal/wire"

// ComputeExchangeHash computes H = HASH(V_C || V_S || I_C || I_S ||
// mid || K) per RFC 4253 §8, where mid is the method-specific middle
// section a Method.Client/Server builds (typically K_S || e || f) and
// K is already mpint-encoded.
func (x *Exchange) ComputeExchangeHash(mid, kMPInt []byte) []byte {
	b := wire.NewBuilder(0).Bytes(x.VC).Bytes(x.VS).Bytes(x.IC).Bytes(x.IS)
	b.Raw(mid)
	b.Raw(kMPInt)
	hh := hashNew(x.HashID)()
	hh.Write(b.Payload()[1:])
	return hh.Sum(nil)
}
