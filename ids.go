package ftr

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// IDs are ULIDs from a monotonic source of entropy, so trace IDs sort in
// creation order, even within the same millisecond.
var idEntropy = ulid.DefaultEntropy()

const (
	traceIDPrefix = "trc_"
	frameIDPrefix = "frm_"
)

func newTraceID() string {
	return traceIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

func newFrameID() string {
	return frameIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}

// timestamp renders t as fractional seconds since the epoch.
func timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromTimestamp(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
