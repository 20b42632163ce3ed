package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDSN(t *testing.T) {
	cfg := Config{Path: "/tmp/q.db", BusyTimeout: 2 * time.Second}
	dsn := cfg.DSN()
	if !strings.HasPrefix(dsn, "file:/tmp/q.db?") {
		t.Fatalf("DSN()=%q, want file:/tmp/q.db? prefix", dsn)
	}
	if !strings.Contains(dsn, "_journal_mode=WAL") || !strings.Contains(dsn, "_busy_timeout=2000") {
		t.Fatalf("DSN()=%q, missing pragmas", dsn)
	}

	mem := Config{Path: Memory}.DSN()
	if strings.Contains(mem, "_journal_mode") {
		t.Fatalf("DSN(memory)=%q, want no journal mode", mem)
	}
}

func TestOpenMemory(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: Memory, BusyTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatalf("create err=%v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (v) VALUES (1)`); err != nil {
		t.Fatalf("insert err=%v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("count=%d,%v, want 1,nil", n, err)
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("Validate() err=nil, want path error")
	}
}
