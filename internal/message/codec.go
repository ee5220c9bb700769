package message

import (
	"fmt"

	"github.com/shamaton/msgpack"
)

// Envelope is the wire frame: the kind selects the body's Go type.
type Envelope struct {
	Kind Kind   `msgpack:"kind"`
	Body []byte `msgpack:"body"`
}

// Encode serializes m into a wire payload.
func Encode(m Message) ([]byte, error) {
	body, err := msgpack.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	payload, err := msgpack.Encode(Envelope{Kind: m.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// MustEncode is Encode for messages built by this process, whose encoding
// cannot fail.
func MustEncode(m Message) []byte {
	payload, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return payload
}

// Decode parses a wire payload.
func Decode(payload []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Decode(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	m, err := newMessage(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Decode(env.Body, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}

func newMessage(k Kind) (Message, error) {
	switch k {
	case KindBeginRequest:
		return &BeginRequest{}, nil
	case KindBeginReply:
		return &BeginReply{}, nil
	case KindCommitRequest:
		return &CommitRequest{}, nil
	case KindCommitReply:
		return &CommitReply{}, nil
	case KindRollbackRequest:
		return &RollbackRequest{}, nil
	case KindRollbackReply:
		return &RollbackReply{}, nil
	case KindInvolved:
		return &Involved{}, nil
	case KindDomainInvolved:
		return &DomainInvolved{}, nil
	case KindPrepareRequest, KindResourceCommitRequest, KindResourceRollbackRequest,
		KindDomainPrepareRequest, KindDomainCommitRequest, KindDomainRollbackRequest:
		return &ResourceRequest{}, nil
	case KindPrepareReply, KindResourceCommitReply, KindResourceRollbackReply,
		KindDomainPrepareReply, KindDomainCommitReply, KindDomainRollbackReply:
		return &ResourceReply{}, nil
	case KindConnect:
		return &Connect{}, nil
	case KindShutdown:
		return &Shutdown{}, nil
	case KindProcessExit:
		return &ProcessExit{}, nil
	case KindConfigure:
		return &Configure{}, nil
	case KindReady:
		return &Ready{}, nil
	case KindScaleRequest:
		return &ScaleRequest{}, nil
	case KindScaleReply:
		return &ScaleReply{}, nil
	case KindStateRequest:
		return &StateRequest{}, nil
	case KindStateReply:
		return &StateReply{}, nil
	}
	return nil, fmt.Errorf("unknown message kind %d", uint16(k))
}
