package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// MaxRecordSize bounds a single protobuf record.
const MaxRecordSize = 1 << 20

var errNoLevel = errors.New("record has no level")

type protoDecoder struct {
	r    *bufio.Reader
	opts protodelim.UnmarshalOptions
}

func newProtoDecoder(r io.Reader) *protoDecoder {
	return &protoDecoder{
		r:    bufio.NewReader(r),
		opts: protodelim.UnmarshalOptions{MaxSize: MaxRecordSize},
	}
}

func (d *protoDecoder) Decode() (*models.LoggingEvent, error) {
	var s structpb.Struct
	if err := d.opts.UnmarshalFrom(d.r, &s); err != nil {
		return nil, err
	}
	return fromStruct(&s)
}

func fromStruct(s *structpb.Struct) (*models.LoggingEvent, error) {
	f := s.GetFields()
	ev := &models.LoggingEvent{
		Version: int(f["v"].GetNumberValue()),
		Logger:  f["logger"].GetStringValue(),
		Message: f["msg"].GetStringValue(),
		Thread:  f["thread"].GetStringValue(),
	}
	switch lv := f["level"].GetKind().(type) {
	case *structpb.Value_StringValue:
		level, err := models.ParseLevel(lv.StringValue)
		if err != nil {
			return nil, err
		}
		ev.Level = level
	case *structpb.Value_NumberValue:
		ev.Level = models.Level(int(lv.NumberValue))
	default:
		return nil, errNoLevel
	}

	// ts is milliseconds since the epoch
	if ms := f["ts"].GetNumberValue(); ms > 0 {
		sec, frac := math.Modf(ms / 1000)
		ev.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	if ctx := f["ctx"].GetStructValue(); ctx != nil {
		ev.Context = ctx.AsMap()
	}
	if err := normalize(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

type protoEncoder struct {
	w io.Writer
}

func (e *protoEncoder) Encode(ev *models.LoggingEvent) error {
	s, err := toStruct(ev)
	if err != nil {
		return err
	}
	_, err = protodelim.MarshalTo(e.w, s)
	return err
}

func toStruct(ev *models.LoggingEvent) (*structpb.Struct, error) {
	version := ev.Version
	if version == 0 {
		version = models.CurrentEventVersion
	}
	fields := map[string]*structpb.Value{
		"v":      structpb.NewNumberValue(float64(version)),
		"logger": structpb.NewStringValue(ev.Logger),
		"level":  structpb.NewStringValue(ev.Level.String()),
		"ts":     structpb.NewNumberValue(float64(ev.Timestamp.UnixMilli())),
		"msg":    structpb.NewStringValue(ev.Message),
	}
	if ev.Thread != "" {
		fields["thread"] = structpb.NewStringValue(ev.Thread)
	}
	if len(ev.Context) > 0 {
		ctx, err := structpb.NewStruct(ev.Context)
		if err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}
		fields["ctx"] = structpb.NewStructValue(ctx)
	}
	return &structpb.Struct{Fields: fields}, nil
}
