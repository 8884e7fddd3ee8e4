// Package pdu holds typed encoders and decoders for the session PDUs that
// travel inside frames: connect request/confirm, bitmap updates, input
// events, virtual channel data, disconnect and error notices.
package pdu
