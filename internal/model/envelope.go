package model

type (
	// AuthenticatedData travels in the clear next to a client payload.
	AuthenticatedData struct {
		TargetTopic []byte       `cbor:"1,keyasint"`
		DependsOn   GlobalCursor `cbor:"2,keyasint,omitempty"`
	}

	// ClientEnvelope is what an installation submits to a node.
	ClientEnvelope struct {
		AAD     AuthenticatedData `cbor:"1,keyasint"`
		Payload []byte            `cbor:"2,keyasint"`
	}

	// UnsignedOriginatorEnvelope is the node's stamp on an accepted client
	// envelope. ClientEnvelope holds the encoded ClientEnvelope.
	UnsignedOriginatorEnvelope struct {
		OriginatorNodeID     uint32 `cbor:"1,keyasint"`
		OriginatorSequenceID uint64 `cbor:"2,keyasint"`
		OriginatorNS         int64  `cbor:"3,keyasint"`
		ClientEnvelope       []byte `cbor:"4,keyasint"`
	}

	// Proof is the originator's ECDSA signature over the unsigned envelope bytes.
	Proof struct {
		Signature []byte `cbor:"1,keyasint"`
	}

	// OriginatorEnvelope is what nodes store, replicate and stream.
	OriginatorEnvelope struct {
		UnsignedOriginatorEnvelope []byte `cbor:"1,keyasint"`
		Proof                      *Proof `cbor:"2,keyasint,omitempty"`
	}

	// Envelope is a validated, decoded originator envelope as consumed by
	// the ordering layer and the group state machine.
	Envelope struct {
		Cursor       Cursor
		DependsOn    GlobalCursor
		Topic        Topic
		OriginatorNS int64
		Payload      []byte
	}

	// OrphanedEnvelope is an envelope held back until its dependencies arrive.
	OrphanedEnvelope struct {
		Cursor     Cursor
		DependsOn  GlobalCursor
		Payload    []byte
		GroupID    GroupID
		ReceivedNS int64
		envelope   Envelope
	}
)

func NewOrphan(env Envelope, receivedNS int64) OrphanedEnvelope {
	o := OrphanedEnvelope{
		Cursor:     env.Cursor,
		DependsOn:  env.DependsOn,
		Payload:    env.Payload,
		ReceivedNS: receivedNS,
		envelope:   env,
	}
	if env.Topic.Kind == TopicKindGroupMessages {
		o.GroupID = GroupID(env.Topic.Identifier)
	}
	return o
}

// Envelope returns the held envelope.
func (o OrphanedEnvelope) Envelope() Envelope { return o.envelope }
