package proc

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCat(t *testing.T) *Process {
	t.Helper()
	p, err := Start("cat", nil, "", time.Second, testLogger())
	if err != nil {
		t.Fatalf("start cat: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(filepath.Join(t.TempDir(), "no-such-agent"), nil, "", time.Second, testLogger())
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	p := startCat(t)
	record := []byte(`{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if err := p.WriteRecord(record); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := p.ReadRecord()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, record) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestReadRecordReassemblesLongLines(t *testing.T) {
	p := startCat(t)
	// Larger than the reader's 64KB buffer, so ReadLine reports the
	// record in prefix chunks.
	record := bytes.Repeat([]byte("a"), 200<<10)
	if err := p.WriteRecord(record); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := p.ReadRecord()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(record) {
		t.Fatalf("expected %d bytes, got %d", len(record), len(got))
	}
}

func TestCloseStopsProcess(t *testing.T) {
	p := startCat(t)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after close")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := p.WriteRecord([]byte("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after close, got %v", err)
	}
}

func TestExitClosesDone(t *testing.T) {
	p, err := Start("true", nil, "", time.Second, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done never closed for exiting process")
	}
}
