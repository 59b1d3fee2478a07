package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/pushkeeper/internal/persistence"
)

const messageCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "pushkeeper-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "pushkeeper.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	for i := 0; i < messageCount; i++ {
		chatID := fmt.Sprintf("chat-%d", i%4)
		msg := json.RawMessage(fmt.Sprintf(`{"text":"backup-%d"}`, i))
		if _, err := store.AppendOffline(ctx, chatID, msg); err != nil {
			fmt.Printf("append_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	pending, err := restoreStore.PendingOffline(ctx)
	if err != nil {
		fmt.Printf("count_pending_error=%v\n", err)
		os.Exit(1)
	}
	drained, err := restoreStore.DrainOffline(ctx, nil)
	if err != nil {
		fmt.Printf("drain_error=%v\n", err)
		os.Exit(1)
	}
	inOrder := len(drained) == messageCount
	for i, m := range drained {
		if string(m.Message) != fmt.Sprintf(`{"text":"backup-%d"}`, i) {
			inOrder = false
			break
		}
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_pending=%d\n", pending)
	fmt.Printf("restored_drained=%d in_order=%t\n", len(drained), inOrder)

	if pending != messageCount || !inOrder {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
