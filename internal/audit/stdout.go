package audit

import (
	"context"
	"log/slog"
	"os"
)

// StdoutStore writes audit entries as structured log lines. It is the
// fallback backend when no ClickHouse is configured; the trail then lives in
// whatever collects the process logs.
type StdoutStore struct {
	log *slog.Logger
}

// NewStdoutStore creates a StdoutStore. A nil logger writes JSON to stdout.
func NewStdoutStore(slogger *slog.Logger) *StdoutStore {
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &StdoutStore{log: slogger}
}

func (s *StdoutStore) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "audit",
			slog.String("request_id", e.RequestID.String()),
			slog.Time("timestamp", e.Timestamp),
			slog.String("routing_method", e.RoutingMethod),
			slog.String("operation", e.Operation),
			slog.String("model_id", e.ModelID),
			slog.String("principal", e.Principal),
			slog.String("source_ip", e.SourceIP),
			slog.String("source_partition", SourcePartition),
			slog.String("destination_partition", DestinationPartition),
			slog.Uint64("status_code", uint64(e.StatusCode)),
			slog.Bool("success", e.Success),
			slog.String("error_code", e.ErrorCode),
			slog.Uint64("request_bytes", uint64(e.RequestBytes)),
			slog.Uint64("response_bytes", uint64(e.ResponseBytes)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		)
	}
	return nil
}

func (s *StdoutStore) Close() error { return nil }
