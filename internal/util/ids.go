package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewCommunicationID returns a time-sortable id with the com_ prefix.
func NewCommunicationID() string {
	t := time.Now().UTC()
	return "com_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
