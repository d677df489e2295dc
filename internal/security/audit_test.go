package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileAuditLogger_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	logger, err := NewFileAuditLogger(path, nil)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	ctx := ContextWithCorrelationID(context.Background(), "c-1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := NewEvent(ctx, ActionValidate, "ls -la")
			e.Result = ResultAllowed
			if err := logger.LogAction(ctx, e); err != nil {
				t.Errorf("LogAction: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if e.CorrelationID != "c-1" || e.Action != ActionValidate {
			t.Errorf("unexpected event %+v", e)
		}
		lines++
	}
	if lines != 20 {
		t.Errorf("got %d lines, want 20", lines)
	}
}

func TestFileAuditLogger_Closed(t *testing.T) {
	logger, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), nil)
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}
	_ = logger.Close()
	if err := logger.LogAction(context.Background(), AuditEvent{Action: ActionExecute}); !errors.Is(err, ErrAuditClosed) {
		t.Errorf("err = %v, want ErrAuditClosed", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

type failingAudit struct{ err error }

func (f failingAudit) LogAction(context.Context, AuditEvent) error { return f.err }

type countingAudit struct{ n int }

func (c *countingAudit) LogAction(context.Context, AuditEvent) error {
	c.n++
	return nil
}

func TestMultiAuditLogger(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingAudit{}
	multi := MultiAuditLogger{failingAudit{boom}, counter}

	err := multi.LogAction(context.Background(), AuditEvent{})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if counter.n != 1 {
		t.Errorf("later sink called %d times, want 1", counter.n)
	}
}

func TestDBAuditLogger_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	l := NewDBAuditLogger(storeFunc(func(context.Context, AuditEvent) error { return boom }), nil)
	if err := l.LogAction(context.Background(), AuditEvent{Action: ActionRoute}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

type storeFunc func(context.Context, AuditEvent) error

func (f storeFunc) Append(ctx context.Context, e AuditEvent) error { return f(ctx, e) }

func TestNewEvent(t *testing.T) {
	ctx := ContextWithUserID(ContextWithCorrelationID(context.Background(), "corr"), "alice")
	long := strings.Repeat("é", MaxAuditCommandLen+10)

	e := NewEvent(ctx, ActionExecute, long)

	if e.CorrelationID != "corr" || e.UserID != "alice" {
		t.Errorf("ids not propagated: %+v", e)
	}
	if got := len([]rune(e.Command)); got != MaxAuditCommandLen+1 {
		t.Errorf("command runes = %d, want %d", got, MaxAuditCommandLen+1)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Location().String() != "UTC" {
		t.Errorf("timestamp not UTC: %v", e.Timestamp)
	}
}

func TestParseRiskLevel(t *testing.T) {
	tests := map[string]RiskLevel{
		"low":     RiskLow,
		"medium":  RiskMedium,
		"high":    RiskHigh,
		"bogus":   RiskCritical,
		"":        RiskCritical,
		"critical": RiskCritical,
	}
	for in, want := range tests {
		if got := ParseRiskLevel(in); got != want {
			t.Errorf("ParseRiskLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
