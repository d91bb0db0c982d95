package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string or an integer. The zero value and a
// nil pointer both mean "no id".
type RequestID struct {
	str   string
	num   int64
	isStr bool
	set   bool
}

// StringID returns an id holding s.
func StringID(s string) *RequestID { return &RequestID{str: s, isStr: true, set: true} }

// IntID returns an id holding n.
func IntID(n int64) *RequestID { return &RequestID{num: n, set: true} }

// String renders the id for logs and map keys. Strings and numbers with the
// same text render the same.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// IsNil reports whether the id is absent.
func (id *RequestID) IsNil() bool { return id == nil || !id.set }

// MarshalJSON implements json.Marshaler. An absent id encodes as null, which
// is what error responses to unparseable requests carry.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID{str: s, isStr: true, set: true}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("JSON-RPC id must be a string or integer, got: %s", data)
	}
	*id = RequestID{num: n, set: true}
	return nil
}
