package capture

import (
	"path/filepath"
	"time"
)

// TimestampFormat is used in artifact names and audit markers.
const TimestampFormat = "2006-01-02_15-04-05"

const (
	DefaultSessionDir = "LogCapture"
	LogreadDir        = "Logread"
	DefaultDumpName   = "LogReadFromUnit"
)

func Timestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

// sessionDir returns where a session's artifacts go. An explicit path wins,
// then the test class under root, then DefaultSessionDir under root.
func sessionDir(root string, testClass string, path string) string {
	if path != "" {
		return path
	}

	if testClass != "" {
		return filepath.Join(root, testClass)
	}

	return filepath.Join(root, DefaultSessionDir)
}

func rawLogPath(dir string, name string, ts time.Time) string {
	return filepath.Join(dir, name+"_"+Timestamp(ts)+".txt")
}
