package internal

import (
	"testing"
	"time"
)

type loggedWrite struct {
	tenant  string
	message *FeatureLogMessage
}

type logSink struct {
	Database
	writes chan loggedWrite
}

func (s *logSink) WriteLogMessage(tenant string, data Data) error {
	s.writes <- loggedWrite{tenant: tenant, message: data.(*FeatureLogMessage)}
	return nil
}

func TestLoggerWritesToBaseDatabase(t *testing.T) {
	sink := &logSink{writes: make(chan loggedWrite, 1)}
	logger := NewLogger(time.UTC)
	logger.SetDatabase(sink)

	logger.FeatureEvent("StartTransaction", "cp1", "transaction #1 started")

	select {
	case write := <-sink.writes:
		// the feature log is installation-wide and goes to the base database
		if write.tenant != "" {
			t.Fatalf("log written to tenant %q, want base database", write.tenant)
		}
		if write.message.Feature != "StartTransaction" || write.message.ChargePointId != "cp1" {
			t.Fatalf("unexpected log message: %+v", write.message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("log message never reached the database")
	}
}
