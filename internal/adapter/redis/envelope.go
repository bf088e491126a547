package redis

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pscheid92/subpool/internal/domain"
)

type envelopeKind uint8

const (
	kindDeliver envelopeKind = 1
	kindClose   envelopeKind = 2
)

func (k envelopeKind) String() string {
	switch k {
	case kindDeliver:
		return "deliver"
	case kindClose:
		return "close"
	default:
		return "unknown"
	}
}

// envelope is the relay wire format: CBOR with integer keys.
type envelope struct {
	Kind         envelopeKind `cbor:"1,keyasint"`
	Origin       string       `cbor:"2,keyasint,omitempty"`
	Batch        domain.Batch `cbor:"3,keyasint,omitempty"`
	ConnectionID string       `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("%w: decode relay envelope: %w", domain.ErrProtocol, err)
	}
	switch e.Kind {
	case kindDeliver:
	case kindClose:
		if e.ConnectionID == "" {
			return envelope{}, fmt.Errorf("%w: close envelope without connection id", domain.ErrProtocol)
		}
	default:
		return envelope{}, fmt.Errorf("%w: unknown envelope kind %d", domain.ErrProtocol, e.Kind)
	}
	return e, nil
}
