package messagelog

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPosition indicates a log position that cannot be parsed.
var ErrInvalidPosition = errors.New("messagelog: invalid position")

// Position orders entries within a room log: wall-clock milliseconds plus a
// per-millisecond sequence. Its string form is "<millis>-<seq>".
type Position struct {
	Millis int64
	Seq    int64
}

// String formats the position as "<millis>-<seq>".
func (p Position) String() string {
	return strconv.FormatInt(p.Millis, 10) + "-" + strconv.FormatInt(p.Seq, 10)
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.Millis == 0 && p.Seq == 0
}

// Time returns the wall-clock time encoded in p.
func (p Position) Time() time.Time {
	return time.UnixMilli(p.Millis).UTC()
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool {
	if p.Millis != other.Millis {
		return p.Millis < other.Millis
	}
	return p.Seq < other.Seq
}

// Next returns the position to assign after p at wall-clock nowMillis.
func (p Position) Next(nowMillis int64) Position {
	if nowMillis > p.Millis {
		return Position{Millis: nowMillis}
	}
	return Position{Millis: p.Millis, Seq: p.Seq + 1}
}

// ParsePosition parses "<millis>-<seq>" or a bare "<millis>" (sequence 0).
func ParsePosition(raw string) (Position, error) {
	return parse(raw, false)
}

// ParseBound parses a range bound. A bare "<millis>" used as an upper bound
// covers every sequence within that millisecond.
func ParseBound(raw string, upper bool) (Position, error) {
	return parse(raw, upper)
}

func parse(raw string, upper bool) (Position, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Position{}, fmt.Errorf("%w: empty", ErrInvalidPosition)
	}
	millisPart, seqPart, hasSeq := strings.Cut(trimmed, "-")
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil || millis < 0 {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
	if !hasSeq {
		if upper {
			return Position{Millis: millis, Seq: math.MaxInt64}, nil
		}
		return Position{Millis: millis}, nil
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
	return Position{Millis: millis, Seq: seq}, nil
}
