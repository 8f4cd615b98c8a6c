package stats

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtaci/reverseproxy/internal/proxy"
)

func TestDumpOnceWritesHeaderAndRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.csv")

	p := proxy.NewProxy("fe1", proxy.ModeTCP)
	p.Counters.TotalConns = 7

	l := NewLogger(path, time.Second, func() []*proxy.Proxy { return []*proxy.Proxy{p} })
	if err := l.DumpOnce(); err != nil {
		t.Fatal(err)
	}
	if err := l.DumpOnce(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	// header + 2 data rows
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows (header + 2 dumps), got %d: %v", len(rows), rows)
	}
	if rows[0][0] != "Unix" || rows[0][1] != "Proxy" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][1] != "fe1" || rows[1][3] != "7" {
		t.Fatalf("unexpected data row: %v", rows[1])
	}
}

func TestRunStopsOnSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.csv")
	l := NewLogger(path, 10*time.Millisecond, func() []*proxy.Proxy { return nil })

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after signal")
	}
}
