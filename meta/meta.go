// Package meta defines the wire envelope exchanged on every packet.
//
// MetaData carries routing and correlation information plus an opaque
// serialized payload. It is encoded by the codec layer and wrapped in a
// protocol frame for transmission over TCP.
package meta

// MetaData is the envelope for a single RPC request or response.
//
//   - On request:  FromStub is true, ServiceName/MethodName route the call,
//     Message holds the serialized request. TransmissionID is set only when
//     the call requires a response.
//   - On response: FromStub is false, TransmissionID pairs it with the
//     request, Message holds the serialized response. On failure ErrorCode
//     and ErrorText are carried in place of the payload.
type MetaData struct {
	FromStub       bool   `json:"from_stub"`
	ServiceName    string `json:"service_name,omitempty"`
	MethodName     string `json:"method_name,omitempty"`
	TransmissionID uint64 `json:"transmission_id,omitempty"`
	Message        []byte `json:"message,omitempty"`
	ErrorCode      int32  `json:"error_code,omitempty"`
	ErrorText      string `json:"error_text,omitempty"`
}

// Failed reports whether the envelope carries an error instead of a payload.
func (m *MetaData) Failed() bool {
	return m.ErrorCode != 0
}

// SetFailed records an error on the envelope, dropping any payload.
func (m *MetaData) SetFailed(code int32, text string) {
	m.Message = nil
	m.ErrorCode = code
	m.ErrorText = text
}

// Reset clears the envelope so it can be reused for the next packet.
func (m *MetaData) Reset() {
	*m = MetaData{}
}
