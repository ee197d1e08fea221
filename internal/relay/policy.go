package relay

import (
	"errors"
	"strings"
	"time"

	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/types"
)

// maxClockSkew bounds how far ahead of the relay's clock an envelope
// timestamp may be.
const maxClockSkew = 30 * time.Second

var (
	ErrForbiddenWrite   = errors.New("write not permitted for this user")
	ErrIdentityMismatch = errors.New("envelope user does not match the connection")
	ErrFutureTimestamp  = errors.New("envelope timestamp is in the future")
)

// authorizeWrite reports whether u may write value under key in ns. Keys
// outside the classroom's own channels are not checked.
func authorizeWrite(ns channel.Namespace, u types.User, key, value string, now time.Time) error {
	switch {
	case key == ns.QuizKey():
		if !u.IsTeacher() {
			return ErrForbiddenWrite
		}
		if value == "" {
			return nil
		}
		var b types.QuizBroadcast
		if err := channel.Decode(key, value, &b); err != nil {
			return err
		}
		return checkTimestamp(b.Timestamp, now)

	case key == ns.ActivityKey():
		if value == "" {
			if !u.IsTeacher() {
				return ErrForbiddenWrite
			}
			return nil
		}
		var b types.ActivityBroadcast
		if err := channel.Decode(key, value, &b); err != nil {
			return err
		}
		if b.UserId != u.Id {
			return ErrIdentityMismatch
		}
		return checkTimestamp(b.Timestamp, now)

	case strings.HasPrefix(key, ns.QuizResponsePrefix()):
		// the teacher clears responses it has consumed
		if value == "" && u.IsTeacher() {
			return nil
		}
		if !strings.HasPrefix(key, ns.ResponseKey(u.Id, "")) {
			return ErrIdentityMismatch
		}
		if value == "" {
			return nil
		}
		var r types.QuizResponse
		if err := channel.Decode(key, value, &r); err != nil {
			return err
		}
		if r.UserId != u.Id {
			return ErrIdentityMismatch
		}
		return checkTimestamp(r.Timestamp, now)
	}

	return nil
}

func checkTimestamp(ms int64, now time.Time) error {
	if ms > types.ToMillis(now.Add(maxClockSkew)) {
		return ErrFutureTimestamp
	}
	return nil
}
