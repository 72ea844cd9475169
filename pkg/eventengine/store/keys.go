package store

import (
	"encoding/binary"
	"time"

	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
)

// Key layout. All index families hold the full encoded record as their value.
//
//	r\x00<id>                                          primary record
//	t\x00<wall:8><logical:8><id>                       time index
//	k\x00<type>\x00<source>\x00<wall:8><logical:8><id> (type, source) index
//
// Wall time is Unix nanoseconds with the sign bit flipped so that big-endian
// byte order matches chronological order.
var (
	prefixRecord = []byte("r\x00")
	prefixTime   = []byte("t\x00")
	prefixKey    = []byte("k\x00")
)

func recordKey(id string) []byte {
	return append(append([]byte{}, prefixRecord...), id...)
}

func timeKey(ts event.Timestamp, id string) []byte {
	k := append([]byte{}, prefixTime...)
	k = appendTimestamp(k, ts)
	return append(k, id...)
}

func typeSourcePrefix(typ event.Type, source string) []byte {
	k := append([]byte{}, prefixKey...)
	k = append(k, typ...)
	k = append(k, 0)
	k = append(k, source...)
	return append(k, 0)
}

func typeSourceKey(typ event.Type, source string, ts event.Timestamp, id string) []byte {
	k := typeSourcePrefix(typ, source)
	k = appendTimestamp(k, ts)
	return append(k, id...)
}

func appendTimestamp(dst []byte, ts event.Timestamp) []byte {
	dst = appendWall(dst, ts.Wall)
	return binary.BigEndian.AppendUint64(dst, ts.Logical)
}

func appendWall(dst []byte, t time.Time) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(t.UnixNano())^(1<<63))
}

// rangeBounds returns the scan bounds for a time range under prefix.
func rangeBounds(prefix []byte, r TimeRange) ([]byte, []byte) {
	start := append([]byte{}, prefix...)
	if !r.Start.IsZero() {
		start = appendWall(start, r.Start)
	}
	var end []byte
	if r.End.IsZero() {
		end = prefixEnd(prefix)
	} else {
		end = appendWall(append([]byte{}, prefix...), r.End)
	}
	return start, end
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
