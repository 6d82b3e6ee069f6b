// Package protocol defines the messages exchanged between the coordinator and
// the workers over the rank fabric.
//
// The exchange is:
//
//	coordinator                          worker
//	    | --- Hello{NumClients} ------------> |   once, before round 1
//	    | --- Assign{Round, Batch, ...} ----> |
//	    | <-- Report{Round, Batch, ...} ----- |   one per Assign
//	    |            ...                      |
//	    | --- Terminate{Abort} -------------> |   once, on every exit path
//
// All messages are msgpack encoded inside a Message envelope carrying a Kind.
package protocol

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
)

// Kind identifies the body of a Message.
type Kind uint8

// Message kinds.
const (
	KindHello Kind = iota + 1
	KindAssign
	KindReport
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindAssign:
		return "assign"
	case KindReport:
		return "report"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the envelope of every protocol message. Exactly the body
// matching Kind is set.
type Message struct {
	Kind      Kind       `msgpack:"kind"`
	Hello     *Hello     `msgpack:"hello,omitempty"`
	Assign    *Assign    `msgpack:"assign,omitempty"`
	Report    *Report    `msgpack:"report,omitempty"`
	Terminate *Terminate `msgpack:"terminate,omitempty"`
}

// Hello announces the run to the workers before the first round.
type Hello struct {
	RunID      string `msgpack:"run_id"`
	NumClients int    `msgpack:"num_clients"`
}

// Assign hands a batch of clients of one round to a worker.
type Assign struct {
	Round     int                 `msgpack:"round"`
	Batch     int                 `msgpack:"batch"`
	ClientIDs []string            `msgpack:"client_ids"`
	Snapshot  model.Params        `msgpack:"snapshot"`
	Config    config.ClientConfig `msgpack:"config"`
	// Seed derives the per-client training randomness.
	Seed uint64 `msgpack:"seed"`
}

// ClientUpdate is the result of training one client.
type ClientUpdate struct {
	ClientID    string       `msgpack:"client_id"`
	SampleCount int          `msgpack:"sample_count"`
	Delta       model.Params `msgpack:"delta"`
	LocalLoss   float64      `msgpack:"local_loss"`
}

// Outcome is the per-client result inside a Report: either an update or
// the error that made training fail.
type Outcome struct {
	ClientID string        `msgpack:"client_id"`
	Update   *ClientUpdate `msgpack:"update,omitempty"`
	Error    string        `msgpack:"error,omitempty"`
}

// Failed reports whether the client produced no update.
func (o Outcome) Failed() bool {
	return o.Update == nil
}

// Report returns the outcomes of one Assign.
type Report struct {
	Round    int       `msgpack:"round"`
	Batch    int       `msgpack:"batch"`
	Outcomes []Outcome `msgpack:"outcomes"`
}

// Terminate ends a worker. With Abort set in-flight training is cancelled
// and not reported.
type Terminate struct {
	Abort  bool   `msgpack:"abort"`
	Reason string `msgpack:"reason,omitempty"`
}

// Encode serializes m.
func Encode(m *Message) ([]byte, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return raw, nil
}

// Decode deserializes a message and checks that its body matches its kind.
func Decode(data []byte) (*Message, error) {
	m := new(Message)
	if err := msgpack.Unmarshal(data, m); err != nil {
		return nil, ferrors.ErrProtocol.GenWithStackByArgs(err.Error())
	}
	var ok bool
	switch m.Kind {
	case KindHello:
		ok = m.Hello != nil
	case KindAssign:
		ok = m.Assign != nil
	case KindReport:
		ok = m.Report != nil
	case KindTerminate:
		ok = m.Terminate != nil
	}
	if !ok {
		return nil, ferrors.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("message of %s without body", m.Kind))
	}
	return m, nil
}

// EncodeHello is a shorthand for encoding a Hello message.
func EncodeHello(h Hello) ([]byte, error) {
	return Encode(&Message{Kind: KindHello, Hello: &h})
}

// EncodeAssign is a shorthand for encoding an Assign message.
func EncodeAssign(a *Assign) ([]byte, error) {
	return Encode(&Message{Kind: KindAssign, Assign: a})
}

// EncodeReport is a shorthand for encoding a Report message.
func EncodeReport(r *Report) ([]byte, error) {
	return Encode(&Message{Kind: KindReport, Report: r})
}

// EncodeTerminate is a shorthand for encoding a Terminate message.
func EncodeTerminate(t Terminate) ([]byte, error) {
	return Encode(&Message{Kind: KindTerminate, Terminate: &t})
}
