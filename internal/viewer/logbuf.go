// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callcore/internal/util"
)

type LogEntry struct {
	TS     time.Time `json:"ts"`
	Source string    `json:"source,omitempty"` // CALL, SIGNAL, RELAY, ...
	Msg    string    `json:"msg"`
}

// LogBuffer keeps the last lines written through the standard logger and fans
// them out to live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput/io.MultiWriter.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(time.Now(), line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// parseLine picks the subsystem tag out of lines such as
// "2026/01/02 15:04:05 CALL [c1]: accepted by bob".
func parseLine(ts time.Time, line string) LogEntry {
	e := LogEntry{TS: ts, Msg: line}
	for _, f := range strings.Fields(line) {
		tag := strings.TrimSuffix(f, ":")
		if tag == "" || strings.ContainsAny(tag[:1], "0123456789") {
			continue
		}
		if strings.Trim(tag, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") == "" {
			e.Source = tag
		}
		break
	}
	return e
}

// Snapshot returns the last n entries (all when n <= 0), oldest first.
func (b *LogBuffer) Snapshot(n int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return b.entries.Snapshot()
	}
	return b.entries.Last(n)
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

func filterSource(es []LogEntry, source string) []LogEntry {
	if source == "" {
		return es
	}
	out := make([]LogEntry, 0, len(es))
	for _, e := range es {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// GET /api/logs?n=100&source=CALL
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	es := filterSource(b.Snapshot(n), r.URL.Query().Get("source"))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(es)
}

// GET /api/logs/stream?replay=1&source=SIGNAL (Server-Sent Events). Tail
// only unless replay is set.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	source := r.URL.Query().Get("source")
	ch, cancel := b.Subscribe()
	defer cancel()

	if r.URL.Query().Get("replay") != "" {
		for _, e := range filterSource(b.Snapshot(0), source) {
			writeSSE(w, e)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if source != "" && e.Source != source {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
}
