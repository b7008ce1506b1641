package protocol

import "time"

// NowSecs returns the current time as seconds since the Unix epoch.
func NowSecs() int64 {
	return time.Now().Unix()
}

// NowMS returns the current time as milliseconds since the Unix epoch.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// TTL returns the absolute expiry (seconds since epoch) for a record
// created now with the given lifetime in seconds.
func TTL(seconds int64) int64 {
	return NowSecs() + seconds
}
