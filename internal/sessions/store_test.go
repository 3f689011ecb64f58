package sessions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synapsehq/synapse/pkg/models"
)

func newTestStore(t *testing.T, maxSessions int) *Store {
	t.Helper()
	n := 0
	store, err := New(Config{
		Dir:         t.TempDir(),
		MaxSessions: maxSessions,
		RandomID: func() string {
			n++
			return fmt.Sprintf("session-test-%06d", n)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestCreateAndFind(t *testing.T) {
	store := newTestStore(t, 10)
	info, err := store.Create(context.Background(), "/tmp/work")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.ID == "" || info.Cwd != "/tmp/work" {
		t.Errorf("info = %+v", info)
	}

	found, ok := store.Find(info.ID)
	if !ok || found.ID != info.ID {
		t.Errorf("Find = %+v, %v", found, ok)
	}
	if _, ok := store.Find("session-missing"); ok {
		t.Error("found nonexistent session")
	}
}

func TestSessionIDFormat(t *testing.T) {
	id := newSessionID(time.Now())
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "session" {
		t.Fatalf("id = %q", id)
	}
	if len(parts[2]) != 6 {
		t.Errorf("random suffix = %q, want 6 chars", parts[2])
	}
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")

	msgs := []models.Message{
		models.UserText("first question"),
		models.AssistantText("first answer"),
	}
	if err := store.AppendMessages(ctx, info.ID, msgs...); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	history, err := store.LoadHistory(info.ID)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Text() != "first question" || history[1].Text() != "first answer" {
		t.Errorf("history = %v", history)
	}

	found, _ := store.Find(info.ID)
	if found.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", found.MessageCount)
	}
	if found.Title != "first question" {
		t.Errorf("Title = %q", found.Title)
	}
}

func TestTitleTruncation(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")

	long := strings.Repeat("word ", 30)
	store.AppendMessages(ctx, info.ID, models.UserText(long))

	found, _ := store.Find(info.ID)
	if !strings.HasSuffix(found.Title, "…") {
		t.Errorf("Title = %q, want ellipsis suffix", found.Title)
	}
	if n := len([]rune(strings.TrimSuffix(found.Title, "…"))); n != 50 {
		t.Errorf("title length = %d runes, want 50", n)
	}
}

func TestLoadHistorySkipsCorruptLines(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, info.ID, models.UserText("good one"))

	f, err := os.OpenFile(store.Path(info.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not valid json\n")
	f.Close()
	store.AppendMessages(ctx, info.ID, models.AssistantText("good two"))

	history, err := store.LoadHistory(info.ID)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2 (corrupt line skipped)", len(history))
	}
}

func TestLoadHistoryMissingFile(t *testing.T) {
	store := newTestStore(t, 10)
	history, err := store.LoadHistory("session-never-written")
	if err != nil || history != nil {
		t.Errorf("LoadHistory = %v, %v; want nil, nil", history, err)
	}
}

func TestRewriteHistoryAtomic(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, info.ID,
		models.UserText("one"), models.AssistantText("two"), models.UserText("three"))

	if err := store.RewriteHistory(ctx, info.ID, []models.Message{models.UserText("only")}); err != nil {
		t.Fatalf("RewriteHistory: %v", err)
	}
	history, _ := store.LoadHistory(info.ID)
	if len(history) != 1 || history[0].Text() != "only" {
		t.Errorf("history = %v", history)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(store.Path(info.ID)))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestEvictionOverCap(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		info, err := store.Create(ctx, "")
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		store.AppendMessages(ctx, info.ID, models.UserText("hello"))
		ids = append(ids, info.ID)
	}

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("list len = %d, want 3", len(list))
	}
	// Newest first; the two oldest are gone with their files.
	if list[0].ID != ids[4] {
		t.Errorf("newest = %s, want %s", list[0].ID, ids[4])
	}
	for _, old := range ids[:2] {
		if _, ok := store.Find(old); ok {
			t.Errorf("evicted session %s still in index", old)
		}
		if _, err := os.Stat(store.Path(old)); !os.IsNotExist(err) {
			t.Errorf("evicted session file %s still on disk", old)
		}
	}
}

func TestContinueSkipsEmptyAndCurrent(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	first, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, first.ID, models.UserText("older"))
	empty, _ := store.Create(ctx, "")
	current, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, current.ID, models.UserText("current"))

	got, ok := store.Continue(current.ID)
	if !ok {
		t.Fatal("Continue found nothing")
	}
	if got.ID != first.ID {
		t.Errorf("Continue = %s, want %s (skipping empty %s and current)", got.ID, first.ID, empty.ID)
	}
}

func TestClearPreservesUsage(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, info.ID, models.UserText("hi"))
	store.UpdateUsage(ctx, info.ID, models.TokenUsage{InputOther: 100, Output: 50}, "claude-sonnet-4-5")

	if err := store.Clear(ctx, info.ID, true); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	history, _ := store.LoadHistory(info.ID)
	if len(history) != 0 {
		t.Errorf("history len = %d after clear", len(history))
	}
	u := store.Usage(info.ID)
	if u.InputOther != 100 || u.Output != 50 {
		t.Errorf("usage = %+v, want preserved", u)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")
	store.AppendMessages(ctx, info.ID, models.UserText("hi"))

	if err := store.Delete(ctx, info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.Find(info.ID); ok {
		t.Error("deleted session still in index")
	}
	if _, err := os.Stat(store.Path(info.ID)); !os.IsNotExist(err) {
		t.Error("deleted session file still on disk")
	}
}

func TestUpdateUsageAccumulatesAndPrices(t *testing.T) {
	n := 0
	pricing := func(u models.SessionUsage, model string) *float64 {
		v := float64(u.InputOther+u.Output) / 1000
		return &v
	}
	store, err := New(Config{
		Dir:     t.TempDir(),
		Pricing: pricing,
		RandomID: func() string {
			n++
			return fmt.Sprintf("session-priced-%d", n)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	info, _ := store.Create(ctx, "")

	store.UpdateUsage(ctx, info.ID, models.TokenUsage{InputOther: 1000, Output: 200}, "claude-sonnet-4-5")
	store.UpdateUsage(ctx, info.ID, models.TokenUsage{InputOther: 500, Output: 300}, "claude-sonnet-4-5")

	u := store.Usage(info.ID)
	if u.InputOther != 1500 || u.Output != 500 || len(u.Rounds) != 2 {
		t.Errorf("usage = %+v", u)
	}
	if u.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", u.Model)
	}
	if u.TotalCost == nil || *u.TotalCost != 2.0 {
		t.Errorf("cost = %v, want 2.0", u.TotalCost)
	}
}

func TestInterleavedUpdatesSerialize(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()
	info, _ := store.Create(ctx, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.UpdateUsage(ctx, info.ID, models.TokenUsage{InputOther: 1, Output: 1}, "m")
		}()
	}
	wg.Wait()

	u := store.Usage(info.ID)
	if u.InputOther != 20 || u.Output != 20 || len(u.Rounds) != 20 {
		t.Errorf("usage = %+v, want 20/20/20", u)
	}
}

func TestIndexSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	info, _ := store.Create(ctx, "/work")
	store.AppendMessages(ctx, info.ID, models.UserText("persist me"))

	reloaded, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	found, ok := reloaded.Find(info.ID)
	if !ok {
		t.Fatal("session lost across reload")
	}
	if found.MessageCount != 1 || found.Title != "persist me" {
		t.Errorf("reloaded info = %+v", found)
	}
}

func TestCorruptIndexStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New on corrupt index: %v", err)
	}
	if len(store.List()) != 0 {
		t.Errorf("list = %v, want empty", store.List())
	}
}
