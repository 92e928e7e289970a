package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-letter-batch/internal/domain"
)

func newFileStore(t *testing.T) (*Store, *FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "letters.json")
	fb := NewFileBackend(path)
	s := NewStore(fb, Options{BackupDir: filepath.Join(dir, "backup")})
	return s, fb, path
}

func mustDecode(t *testing.T, path string) *domain.Document {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("primary file is not valid JSON: %v\n%s", err, data)
	}
	return &doc
}

func addUser(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.Update(context.Background(), func(doc *domain.Document) error {
		doc.EnsureUser(id, time.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("Update(%s): %v", id, err)
	}
}

func TestLoad_MissingFile_CreatesDefaultDocument(t *testing.T) {
	s, _, path := newFileStore(t)

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Users == nil || doc.System.BatchRuns == nil || doc.System.LastBackup != nil {
		t.Fatalf("default document unexpected: %+v", doc)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default document should be persisted: %v", err)
	}
}

func TestLoad_EmptyFile_TreatedAsMissing(t *testing.T) {
	s, _, path := newFileStore(t)
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mustDecode(t, path)
}

func TestLoad_RepairsPartialRecords(t *testing.T) {
	s, _, path := newFileStore(t)
	raw := `{"users":{"u1":{"profile":{"total_letters":4}}}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	u := doc.Users["u1"]
	if u.Letters == nil || u.Requests == nil || u.RateLimits.DailyRequests == nil || u.RateLimits.APICalls == nil {
		t.Fatalf("user not repaired: %+v", u)
	}
	if u.Profile.TotalLetters != 4 {
		t.Fatalf("existing data lost, total_letters=%d", u.Profile.TotalLetters)
	}
	if doc.System.BatchRuns == nil {
		t.Fatalf("system section not repaired")
	}
}

func TestUpdate_AbortsWithoutWriting(t *testing.T) {
	s, _, path := newFileStore(t)
	addUser(t, s, "u1")
	before, _ := os.ReadFile(path)

	sentinel := errors.New("nope")
	err := s.Update(context.Background(), func(doc *domain.Document) error {
		doc.EnsureUser("u2", time.Now())
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Update err = %v; want sentinel", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("aborted update must not write")
	}
}

func TestUpdate_ConcurrentWritersNoLostUpdates(t *testing.T) {
	s, _, _ := newFileStore(t)
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Update(context.Background(), func(doc *domain.Document) error {
				doc.EnsureUser(fmt.Sprintf("user-%02d", i), time.Now())
				return nil
			})
		}(i)
	}
	wg.Wait()

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Users) != n {
		t.Fatalf("users = %d; want %d (lost updates)", len(doc.Users), n)
	}
}

func TestSave_RenameFailure_LeavesPrimaryIntact(t *testing.T) {
	s, fb, path := newFileStore(t)
	addUser(t, s, "before")

	fb.rename = func(string, string) error { return errors.New("simulated crash before rename") }
	err := s.Update(context.Background(), func(doc *domain.Document) error {
		doc.EnsureUser("after", time.Now())
		return nil
	})
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "save" {
		t.Fatalf("want *StorageError(save), got %v", err)
	}

	doc := mustDecode(t, path)
	if _, ok := doc.Users["before"]; !ok {
		t.Fatalf("pre-crash state lost")
	}
	if _, ok := doc.Users["after"]; ok {
		t.Fatalf("uncommitted mutation leaked into primary")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}

	fb.rename = os.Rename
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	if len(got.Users) != 1 {
		t.Fatalf("post-crash load should see exactly the pre-crash state, got %d users", len(got.Users))
	}
}

func TestLoad_ReadError_IsStorageError(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewFileBackend(dir), Options{}) // a directory cannot be read as a file
	_, err := s.Load(context.Background())
	if !IsStorageError(err) {
		t.Fatalf("want StorageError, got %v", err)
	}
}

func TestLoad_CorruptPrimary_RecoversFromNewestBackup(t *testing.T) {
	s, _, path := newFileStore(t)
	addUser(t, s, "old")
	first, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	// make the first backup clearly older than the second
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(first, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(first, strings.Replace(first, "letters_backup_", "letters_backup_0", 1)); err != nil {
		t.Fatal(err)
	}

	addUser(t, s, "new")
	second, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"users":{"new":{"profile":`), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := doc.Users["new"]; !ok {
		t.Fatalf("expected content of newest backup %s, got %+v", second, doc.Users)
	}
	if _, ok := doc.Users["old"]; !ok {
		t.Fatalf("expected user from backup content")
	}

	rewritten := mustDecode(t, path)
	if len(rewritten.Users) != len(doc.Users) {
		t.Fatalf("primary not rewritten with recovered data")
	}
}

func TestLoad_CorruptPrimary_NoBackup_FallsBackToDefault(t *testing.T) {
	s, _, path := newFileStore(t)
	if err := os.WriteFile(path, []byte(`[1,2,`), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Users) != 0 {
		t.Fatalf("expected empty default document")
	}
	mustDecode(t, path)
}

func TestBackup_SetsLastBackupAndPrunesOldFiles(t *testing.T) {
	s, _, _ := newFileStore(t)
	addUser(t, s, "u1")

	backupDir := s.backupDir
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(backupDir, "letters_backup_20000101_000000.json")
	if err := os.WriteFile(stale, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-8 * 24 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(backupDir, "notes.txt")
	_ = os.WriteFile(unrelated, []byte("x"), 0o644)
	_ = os.Chtimes(unrelated, old, old)

	path, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "letters_backup_") {
		t.Fatalf("unexpected backup name %s", path)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale backup should be pruned, stat err=%v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("non-backup files must be kept: %v", err)
	}

	doc, _ := s.Load(context.Background())
	if doc.System.LastBackup == nil {
		t.Fatalf("last_backup not recorded")
	}
	latest, err := s.LatestBackup()
	if err != nil || latest.Path != path {
		t.Fatalf("LatestBackup = %+v, %v; want %s", latest, err, path)
	}
}

func TestBackup_NothingToBackup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(NewFileBackend(filepath.Join(dir, "none.json")), Options{BackupDir: filepath.Join(dir, "b")})
	if _, err := s.Backup(context.Background()); !errors.Is(err, ErrNothingToBackup) {
		t.Fatalf("want ErrNothingToBackup, got %v", err)
	}
}

func TestBackup_SameSecondKeepsBothSnapshots(t *testing.T) {
	s, _, _ := newFileStore(t)
	fixed := time.Now()
	s.now = func() time.Time { return fixed }
	addUser(t, s, "u1")

	first, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("first Backup: %v", err)
	}
	second, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("second Backup: %v", err)
	}
	if first == second || !strings.HasSuffix(second, "_2.json") {
		t.Fatalf("backup names %s, %s; want a suffixed second name", first, second)
	}
	list, err := s.ListBackups()
	if err != nil || len(list) != 2 {
		t.Fatalf("ListBackups = %+v, %v; want 2 snapshots", list, err)
	}
}

func TestBackup_CorruptPrimaryIsNotSnapshotted(t *testing.T) {
	s, _, path := newFileStore(t)
	addUser(t, s, "u1")
	if err := os.WriteFile(path, []byte(`{"users":`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Backup(context.Background())
	var se *StorageError
	if !errors.Is(err, ErrCorruptPrimary) || !errors.As(err, &se) || se.Op != "backup" {
		t.Fatalf("want backup StorageError wrapping ErrCorruptPrimary, got %v", err)
	}
	if list, _ := s.ListBackups(); len(list) != 0 {
		t.Fatalf("corrupt primary was snapshotted: %+v", list)
	}
}

func TestRestore_ReplacesPrimary(t *testing.T) {
	s, _, _ := newFileStore(t)
	addUser(t, s, "keep")
	path, err := s.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	addUser(t, s, "drop")

	if err := s.Restore(context.Background(), path); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	doc, _ := s.Load(context.Background())
	if _, ok := doc.Users["drop"]; ok {
		t.Fatalf("restore should discard later changes")
	}
	if _, ok := doc.Users["keep"]; !ok {
		t.Fatalf("restore lost backed-up user")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0o644)
	if err := s.Restore(context.Background(), bad); !IsStorageError(err) {
		t.Fatalf("restore of corrupt backup should fail with StorageError, got %v", err)
	}
}

func TestCleanupOldData_ZeroRetentionKeepsUsers(t *testing.T) {
	s, _, _ := newFileStore(t)
	now := time.Now()
	err := s.Update(context.Background(), func(doc *domain.Document) error {
		u := doc.EnsureUser("u1", now)
		for i := 1; i <= 10; i++ {
			k := domain.DateKey(now.AddDate(0, 0, -i))
			u.Requests[k] = &domain.Request{Theme: "t", Status: domain.RequestCompleted}
			u.Letters[k] = &domain.Letter{Theme: "t", Content: "c", Status: domain.LetterCompleted}
			u.RateLimits.DailyRequests[k] = 1
			u.RateLimits.APICalls[k] = 3
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	pc, err := s.CleanupOldData(context.Background(), 0)
	if err != nil {
		t.Fatalf("CleanupOldData: %v", err)
	}
	if pc.Letters != 10 || pc.Requests != 10 || pc.Counters != 20 {
		t.Fatalf("prune counts = %+v", pc)
	}
	doc, _ := s.Load(context.Background())
	u, ok := doc.Users["u1"]
	if !ok {
		t.Fatalf("user record must survive cleanup")
	}
	if len(u.Letters)+len(u.Requests)+len(u.RateLimits.DailyRequests)+len(u.RateLimits.APICalls) != 0 {
		t.Fatalf("dated entries remain: %+v", u)
	}
}

func TestStats(t *testing.T) {
	s, _, _ := newFileStore(t)
	now := time.Now()
	_ = s.Update(context.Background(), func(doc *domain.Document) error {
		u := doc.EnsureUser("u1", now)
		u.Requests[domain.DateKey(now)] = &domain.Request{Status: domain.RequestPending}
		u.Requests["2020-01-01"] = &domain.Request{Status: domain.RequestCompleted}
		u.Letters["2020-01-01"] = &domain.Letter{Content: "x"}
		doc.EnsureUser("u2", now)
		return nil
	})
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Users != 2 || st.Letters != 1 || st.Requests[domain.RequestPending] != 1 || st.Requests[domain.RequestCompleted] != 1 {
		t.Fatalf("stats unexpected: %+v", st)
	}
	if st.DocumentBytes == 0 {
		t.Fatalf("document size not reported")
	}
}
