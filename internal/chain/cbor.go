package chain

import "github.com/fxamacker/cbor/v2"

var cborMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// MarshalCBOR serializes v using canonical CBOR, the encoding of the
// block bodies in the local block store.
func MarshalCBOR(v interface{}) ([]byte, error) {
	return cborMode.Marshal(v)
}

// UnmarshalCBOR deserializes a canonical CBOR blob into v.
func UnmarshalCBOR(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
