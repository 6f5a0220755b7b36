// Package channel implements the SSH Connection Layer of RFC 4254:
// channel open/close, window-based flow control, data and
// extended-data routing, and the global/channel request dispatch with
// ordered replies. A Channel never imports or holds a reference to a
// Session; it reaches the outside world through a send callback
// injected at construction, keeping the relation a lookup rather than
// an ownership cycle.
package channel
