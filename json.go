package robinhood

import (
	"github.com/sugawarayuuta/sonnet"
)

var (
	jsonMarshal   = sonnet.Marshal
	jsonUnmarshal = sonnet.Unmarshal
)

// SetDefaultJSONMarshal sets the default JSON serialization and deserialization functions.
// If not set, github.com/sugawarayuuta/sonnet is used.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

// MarshalJSON JSON serialization
func (t *SeqTable[K, V]) MarshalJSON() ([]byte, error) {
	return jsonMarshal(t.ToMap())
}

// UnmarshalJSON inserts every entry of a JSON object into the table.
// Existing entries are kept unless overwritten.
func (t *SeqTable[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := jsonUnmarshal(data, &a); err != nil {
		return err
	}
	return t.FromMap(a)
}

// MarshalJSON JSON serialization
func (t *ParTable[K, V]) MarshalJSON() ([]byte, error) {
	return jsonMarshal(t.ToMap())
}

// UnmarshalJSON inserts every entry of a JSON object into the table.
// Existing entries are kept unless overwritten.
func (t *ParTable[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := jsonUnmarshal(data, &a); err != nil {
		return err
	}
	return t.FromMap(a)
}
