package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	levelMu  sync.RWMutex
	minLevel = LevelInfo
)

// Log levels understood by Log.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel sets the minimum level emitted by Log. Unknown levels are ignored.
func SetLevel(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if _, ok := levelRank[level]; !ok {
		return
	}
	levelMu.Lock()
	minLevel = level
	levelMu.Unlock()
}

func enabled(level string) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	rank, ok := levelRank[level]
	if !ok {
		return true
	}
	return rank >= levelRank[minLevel]
}

// Log emits a JSON line with ts, level and msg merged with fields.
func Log(level, msg string, fields map[string]any) {
	if !enabled(level) {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	LogRequest(entry)
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
