package ingest

import (
	"regexp"
	"strconv"
	"time"
)

// Recording filenames follow deviceId_unixMillis.ext, e.g.
// 3f2a1b_1756710000000.wav. Anything else falls back to the configured
// default device and the current time.
var filenamePattern = regexp.MustCompile(`^([^_]+)_(\d+)\.(mp3|wav|m4a)$`)

// FileMeta is what a filename tells us about a recording.
type FileMeta struct {
	DeviceUUID string
	CapturedAt time.Time
	Extension  string
}

// ParseFilename extracts the device and capture timestamp from an upload
// filename. Unparseable names are not an error: the recording is attributed
// to defaultDevice and stamped with now.
func ParseFilename(name, defaultDevice string, now time.Time) FileMeta {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return FileMeta{DeviceUUID: defaultDevice, CapturedAt: now}
	}
	millis, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return FileMeta{DeviceUUID: defaultDevice, CapturedAt: now}
	}
	return FileMeta{
		DeviceUUID: m[1],
		CapturedAt: time.UnixMilli(millis).UTC(),
		Extension:  m[3],
	}
}
