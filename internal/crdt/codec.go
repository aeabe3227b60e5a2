package crdt

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical state always encodes to
// identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

type entry struct {
	Value   []byte `cbor:"1,keyasint,omitempty"`
	Clock   uint64 `cbor:"2,keyasint"`
	Actor   string `cbor:"3,keyasint"`
	Deleted bool   `cbor:"4,keyasint,omitempty"`
}

// update is the wire form of both incremental updates and full state.
type update struct {
	Entries map[string]entry `cbor:"1,keyasint"`
}

type snapshot struct {
	Vector  map[string]uint64 `cbor:"1,keyasint"`
	Entries map[string]entry  `cbor:"2,keyasint"`
}
