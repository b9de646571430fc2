package store

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/alimasry/go-collab-history/history"
)

// Entries are stored as CBOR with Core Deterministic Encoding, so the same
// entry always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep sub-second precision on CreatedAt and ClosedAt.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e history.Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEntry(data []byte) (history.Entry, error) {
	var e history.Entry
	err := decMode.Unmarshal(data, &e)
	return e, err
}
