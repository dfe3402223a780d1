package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/speechchat/pkg/metrics"
	"github.com/harunnryd/speechchat/pkg/redact"
)

// TimelineObserver appends one JSONL file per conversation, named after the
// stream_id tag. Events without a stream_id are skipped.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEntry struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id"`
	Value    float64           `json:"value,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	tags := make(map[string]string, len(ev.Tags))
	for k, v := range ev.Tags {
		if k == "stream_id" {
			continue
		}
		tags[k] = v
	}
	line, err := json.Marshal(timelineEntry{
		Time:     ev.Time.UTC(),
		Event:    timelineName(ev),
		StreamID: streamID,
		Value:    ev.Value,
		Tags:     tags,
		Fields:   redactFields(ev.Fields),
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileLocked(streamID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		err = errors.Join(err, f.Close())
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// timelineName folds phase changes into "phase:<TO>" so a timeline reads as a
// sequence of dictation phases.
func timelineName(ev metrics.MetricsEvent) string {
	if ev.Name == "dictation_phase_change" && ev.Tags != nil && ev.Tags["to"] != "" {
		return "phase:" + ev.Tags["to"]
	}
	return ev.Name
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// redactFields scrubs string fields; transcripts may carry user PII.
func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
