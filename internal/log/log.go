// Package log installs the apex/log handler used by the commands.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
)

// EnvLevel names the environment variable holding the log level.
const EnvLevel = "QUERY_LOG"

// InitLogger sets up apex/log with a CustomHandler on stderr and a level
// from the QUERY_LOG env variable (default ERROR).
func InitLogger() {
	level := strings.ToLower(os.Getenv(EnvLevel))
	if level == "" {
		level = "error"
	}
	log.SetHandler(&CustomHandler{Writer: os.Stderr})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.ErrorLevel
	}
	log.SetLevel(lvl)
}

// CustomHandler writes one line per entry: timestamp, level initial,
// message and the entry's fields sorted by name.
type CustomHandler struct {
	Writer io.Writer

	mu sync.Mutex
}

// HandleLog implements the log.Handler interface.
func (h *CustomHandler) HandleLog(e *log.Entry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", e.Timestamp.Format("2006-01-02 15:04:05"),
		strings.ToUpper(e.Level.String()), e.Message)

	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields[name])
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer(), b.String())
	return err
}

func (h *CustomHandler) writer() io.Writer {
	if h.Writer != nil {
		return h.Writer
	}
	return os.Stdout
}

var _ log.Handler = (*CustomHandler)(nil)

