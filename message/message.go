// Package message defines the envelope the demo producer and handler put inside payloads.
//
// The transport never looks at payload bytes; applications choose their own layout. Envelope is
// the one ackrpc itself uses so a handler can tell which routing key a payload was sent under.
package message

// Envelope wraps an application body with its routing key.
//
//   - Key is the key the sender routed on, empty for keyless sends.
//   - SentAt is the sender's clock in Unix nanoseconds, used to log delivery latency.
type Envelope struct {
	Key    string `json:"key"`
	SentAt int64  `json:"sent_at"`
	Body   []byte `json:"body"`
}
