package models

import "time"

// CurrentEventVersion is the record version written by this server's encoders.
const CurrentEventVersion = 1

// LoggingEvent is a single log record received from a client.
// Used across the codec, session, hierarchy and watch layers.
type LoggingEvent struct {
	Version   int            `json:"version" cbor:"v"`
	Logger    string         `json:"logger" cbor:"logger"`
	Level     Level          `json:"level" cbor:"level"`
	Timestamp time.Time      `json:"timestamp" cbor:"ts"`
	Message   string         `json:"message" cbor:"msg"`
	Thread    string         `json:"thread,omitempty" cbor:"thread,omitempty"`
	Context   map[string]any `json:"context,omitempty" cbor:"ctx,omitempty"`
}
