package hierarchy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// DefaultPattern renders "<time> <level> [<logger>] <message>".
const DefaultPattern = "%d %-5p [%c] %m%n"

// maxWidth bounds the padding a width modifier may request.
const maxWidth = 1024

// Named date formats accepted inside %d{...}. Anything else is used as a Go
// time layout.
var namedDateFormats = map[string]string{
	"":         "2006-01-02 15:04:05.000",
	"ISO8601":  "2006-01-02 15:04:05.000",
	"ABSOLUTE": "15:04:05.000",
	"DATE":     "02 Jan 2006 15:04:05.000",
	"RFC3339":  time.RFC3339Nano,
}

type segmentKind int

const (
	segLiteral segmentKind = iota
	segDate
	segLevel
	segLogger
	segMessage
	segThread
	segNewline
	segContext
)

type segment struct {
	kind      segmentKind
	literal   string
	arg       string
	minWidth  int
	leftAlign bool
}

// Layout renders events according to a conversion pattern:
//
//	%d{fmt} timestamp   %p level      %c{n} logger (last n components)
//	%m      message     %t thread     %X{key} context value
//	%n      newline     %%  percent sign
//
// A width modifier such as %-5p or %20c pads the field.
type Layout struct {
	segments []segment
}

// ParseLayout compiles a conversion pattern. An empty pattern yields DefaultPattern.
func ParseLayout(pattern string) (*Layout, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	l := &Layout{}

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			l.segments = append(l.segments, segment{kind: segLiteral, literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		if ch != '%' {
			lit.WriteByte(ch)
			continue
		}
		i++
		if i >= len(pattern) {
			return nil, fmt.Errorf("layout %q: dangling %%", pattern)
		}
		if pattern[i] == '%' {
			lit.WriteByte('%')
			continue
		}

		var seg segment
		if pattern[i] == '-' {
			seg.leftAlign = true
			i++
		}
		start := i
		for i < len(pattern) && pattern[i] >= '0' && pattern[i] <= '9' {
			i++
		}
		if i > start {
			width, err := strconv.Atoi(pattern[start:i])
			if err != nil || width > maxWidth {
				return nil, fmt.Errorf("layout %q: width %s exceeds %d", pattern, pattern[start:i], maxWidth)
			}
			seg.minWidth = width
		}
		if i >= len(pattern) {
			return nil, fmt.Errorf("layout %q: missing conversion character", pattern)
		}

		switch pattern[i] {
		case 'd':
			seg.kind = segDate
		case 'p':
			seg.kind = segLevel
		case 'c':
			seg.kind = segLogger
		case 'm':
			seg.kind = segMessage
		case 't':
			seg.kind = segThread
		case 'n':
			seg.kind = segNewline
		case 'X':
			seg.kind = segContext
		default:
			return nil, fmt.Errorf("layout %q: unknown conversion %%%c", pattern, pattern[i])
		}

		if i+1 < len(pattern) && pattern[i+1] == '{' {
			end := strings.IndexByte(pattern[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("layout %q: unterminated {", pattern)
			}
			seg.arg = pattern[i+2 : i+1+end]
			i += end + 1
		}

		switch seg.kind {
		case segDate:
			if f, ok := namedDateFormats[seg.arg]; ok {
				seg.arg = f
			}
		case segLogger:
			if seg.arg != "" {
				if n, err := strconv.Atoi(seg.arg); err != nil || n <= 0 {
					return nil, fmt.Errorf("layout %q: %%c precision must be a positive integer", pattern)
				}
			}
		case segContext:
			if seg.arg == "" {
				return nil, fmt.Errorf("layout %q: %%X requires a key", pattern)
			}
		}

		flush()
		l.segments = append(l.segments, seg)
	}
	flush()
	return l, nil
}

// Format renders ev.
func (l *Layout) Format(ev *models.LoggingEvent) string {
	var b strings.Builder
	for _, seg := range l.segments {
		var field string
		switch seg.kind {
		case segLiteral:
			b.WriteString(seg.literal)
			continue
		case segNewline:
			b.WriteByte('\n')
			continue
		case segDate:
			field = ev.Timestamp.Format(seg.arg)
		case segLevel:
			field = ev.Level.String()
		case segLogger:
			field = abbreviate(ev.Logger, seg.arg)
		case segMessage:
			field = ev.Message
		case segThread:
			field = ev.Thread
		case segContext:
			if v, ok := ev.Context[seg.arg]; ok {
				field = fmt.Sprint(v)
			}
		}
		pad(&b, field, seg.minWidth, seg.leftAlign)
	}
	return b.String()
}

func abbreviate(logger, arg string) string {
	if arg == "" {
		return logger
	}
	n, _ := strconv.Atoi(arg)
	idx := len(logger)
	for ; n > 0; n-- {
		idx = strings.LastIndexByte(logger[:idx], '.')
		if idx < 0 {
			return logger
		}
	}
	return logger[idx+1:]
}

func pad(b *strings.Builder, s string, width int, left bool) {
	gap := width - len(s)
	if gap <= 0 {
		b.WriteString(s)
		return
	}
	if left {
		b.WriteString(s)
		b.WriteString(strings.Repeat(" ", gap))
		return
	}
	b.WriteString(strings.Repeat(" ", gap))
	b.WriteString(s)
}
