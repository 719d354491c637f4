package docsync

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind names a wire frame.
type Kind string

const (
	// KindSync carries an automerge sync message in either direction.
	KindSync Kind = "sync"
	// KindUpdate carries incremental change bytes in either direction.
	KindUpdate Kind = "update"
	// KindSynced tells the client the handshake is complete.
	KindSynced Kind = "synced"
)

// Frame is one binary WebSocket message.
type Frame struct {
	Kind Kind   `cbor:"kind"`
	Data []byte `cbor:"data,omitempty"`
}

// Core Deterministic Encoding: the same frame always encodes to the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("docsync: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("docsync: CBOR decoder initialization failed: " + err.Error())
	}
}

func EncodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

// DecodeFrame rejects anything that is not a well-formed frame of a known kind
// with ErrProtocol.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	var f Frame
	if err := decMode.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch f.Kind {
	case KindSync, KindUpdate:
		if len(f.Data) == 0 {
			return Frame{}, fmt.Errorf("%w: %s frame without payload", ErrProtocol, f.Kind)
		}
	case KindSynced:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %q", ErrProtocol, f.Kind)
	}
	return f, nil
}

func mustEncode(f Frame) []byte {
	raw, err := EncodeFrame(f)
	if err != nil {
		panic(errors.Join(errors.New("docsync: encode frame"), err))
	}
	return raw
}
