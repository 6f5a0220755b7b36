// Package wire implements the primitive data encodings of RFC 4251 §5:
// byte, uint32, uint64, boolean, string, mpint, and name-list. Every
// higher layer of sshcore builds its messages on top of Builder and
// decodes them with Reader instead of hand-rolling offsets.
package wire
