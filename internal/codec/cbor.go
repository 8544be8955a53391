package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		MaxMapPairs:     1024,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborDecoder struct {
	dec *cbor.Decoder
}

func newCBORDecoder(r io.Reader) *cborDecoder {
	return &cborDecoder{dec: decMode.NewDecoder(r)}
}

func (d *cborDecoder) Decode() (*models.LoggingEvent, error) {
	var ev models.LoggingEvent
	if err := d.dec.Decode(&ev); err != nil {
		return nil, err
	}
	if err := normalize(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type cborEncoder struct {
	enc *cbor.Encoder
}

func newCBOREncoder(w io.Writer) *cborEncoder {
	return &cborEncoder{enc: encMode.NewEncoder(w)}
}

func (e *cborEncoder) Encode(ev *models.LoggingEvent) error {
	if ev.Version == 0 {
		cp := *ev
		cp.Version = models.CurrentEventVersion
		ev = &cp
	}
	return e.enc.Encode(ev)
}
