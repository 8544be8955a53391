// Package codec reads and writes the event records exchanged with clients.
//
// Two framings are supported. The protobuf format writes each record as a
// varint length-prefixed google.protobuf.Struct; the cbor format writes a
// plain sequence of CBOR maps. Both carry the same fields:
//
//	v       record version, currently 1
//	logger  dotted logger name
//	level   level name (INFO, WARN, ...)
//	ts      event time
//	msg     rendered message
//	thread  originating thread, optional
//	ctx     diagnostic context map, optional
package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// ErrUnsupportedVersion is returned for a record newer than this server understands.
var ErrUnsupportedVersion = errors.New("unsupported record version")

// ErrUnknownFormat is returned by NewDecoder and NewEncoder.
var ErrUnknownFormat = errors.New("unknown wire format")

// Format names a wire encoding.
type Format string

const (
	Protobuf Format = "protobuf"
	CBOR     Format = "cbor"
)

// Decoder reads events from a stream. Decode returns io.EOF when the peer
// closed the stream between records.
type Decoder interface {
	Decode() (*models.LoggingEvent, error)
}

// Encoder writes events to a stream.
type Encoder interface {
	Encode(ev *models.LoggingEvent) error
}

// NewDecoder returns a decoder for format reading from r.
func NewDecoder(format string, r io.Reader) (Decoder, error) {
	switch Format(strings.ToLower(format)) {
	case Protobuf:
		return newProtoDecoder(r), nil
	case CBOR:
		return newCBORDecoder(r), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// NewEncoder returns an encoder for format writing to w.
func NewEncoder(format string, w io.Writer) (Encoder, error) {
	switch Format(strings.ToLower(format)) {
	case Protobuf:
		return &protoEncoder{w: w}, nil
	case CBOR:
		return newCBOREncoder(w), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// IsDisconnect reports whether err means the peer went away rather than
// sent a malformed record.
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// normalize fills defaults for fields older clients omit and rejects
// records from the future.
func normalize(ev *models.LoggingEvent) error {
	if ev.Version == 0 {
		ev.Version = models.CurrentEventVersion
	}
	if ev.Version > models.CurrentEventVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, ev.Version)
	}
	if ev.Logger == "" {
		ev.Logger = models.RootCategoryName
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return nil
}
