package chain_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/banking-audit-ledger/anchor/internal/chain"
)

var ctx = context.Background()

const (
	digestA = "eacee9be430e20f8ac0edff941d7b16acda08d1992626b808babe13a9ac4d050"
	digestB = "4d9e631ccb98fdf79fe07b453236fcd8841e489cdf82159e5c835a562f7fe9f3"
)

func TestNew_genesisEntry(t *testing.T) {
	c := chain.NewMemory()

	n, err := c.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	e, err := c.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Hash != chain.GenesisHash || e.Submitter != chain.GenesisSubmitter {
		t.Errorf("unexpected genesis entry: %+v", e)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	c := chain.NewMemory()

	e1, created, err := c.Append(ctx, "rec-1", digestA, "auditd")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first append should create an entry")
	}
	e2, _, err := c.Append(ctx, "rec-2", digestB, "auditd")
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.TxRef != e1.Hash {
		t.Errorf("tx ref %q should equal hash %q", e1.TxRef, e1.Hash)
	}
	if e2.Index != 2 {
		t.Errorf("expected index 2, got %d", e2.Index)
	}
}

func TestAppend_idempotentOnSameDigest(t *testing.T) {
	c := chain.NewMemory()

	first, _, err := c.Append(ctx, "rec-1", digestA, "auditd")
	if err != nil {
		t.Fatal(err)
	}
	again, created, err := c.Append(ctx, "rec-1", digestA, "another-node")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("repeated append should not create an entry")
	}
	if again.TxRef != first.TxRef {
		t.Errorf("repeated append returned tx %q, want %q", again.TxRef, first.TxRef)
	}
	if n, _ := c.Len(ctx); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

func TestAppend_rejectsKeyWithDifferentDigest(t *testing.T) {
	c := chain.NewMemory()
	if _, _, err := c.Append(ctx, "rec-1", digestA, "auditd"); err != nil {
		t.Fatal(err)
	}
	_, _, err := c.Append(ctx, "rec-1", digestB, "auditd")
	if !errors.Is(err, chain.ErrKeyConflict) {
		t.Errorf("expected ErrKeyConflict, got %v", err)
	}
}

func TestAppend_validatesInput(t *testing.T) {
	c := chain.NewMemory()
	tests := []struct {
		name   string
		key    string
		digest string
		want   error
	}{
		{"short digest", "rec-1", "abc123", chain.ErrInvalidDigest},
		{"uppercase digest", "rec-1", strings.ToUpper(digestA), chain.ErrInvalidDigest},
		{"non hex digest", "rec-1", strings.Repeat("g", 64), chain.ErrInvalidDigest},
		{"empty key", "", digestA, chain.ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Append(ctx, tt.key, tt.digest, "auditd")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n, _ := c.Len(ctx); n != 1 {
		t.Errorf("rejected appends must not grow the chain, len=%d", n)
	}
}

func TestLookups(t *testing.T) {
	c := chain.NewMemory()
	e, _, err := c.Append(ctx, "rec-1", digestA, "auditd")
	if err != nil {
		t.Fatal(err)
	}

	byTx, err := c.GetByTx(ctx, e.TxRef)
	if err != nil {
		t.Fatal(err)
	}
	if byTx.Digest != digestA {
		t.Errorf("GetByTx digest = %q", byTx.Digest)
	}
	byKey, err := c.GetByKey(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if byKey.TxRef != e.TxRef {
		t.Errorf("GetByKey tx = %q, want %q", byKey.TxRef, e.TxRef)
	}

	if _, err := c.GetByTx(ctx, digestB); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetByKey(ctx, "missing"); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Get(ctx, 7); !errors.Is(err, chain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_pages(t *testing.T) {
	c := chain.NewMemory()
	for i := 0; i < 5; i++ {
		if _, _, err := c.Append(ctx, "rec-"+string(rune('a'+i)), digestA, "auditd"); err != nil {
			t.Fatal(err)
		}
	}

	page, err := c.List(ctx, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].Index != 2 || page[2].Index != 4 {
		t.Errorf("unexpected page: %+v", page)
	}
	tail, _ := c.List(ctx, 10, 3)
	if len(tail) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(tail))
	}
}

func TestVerify_valid(t *testing.T) {
	c := chain.NewMemory()
	_, _, _ = c.Append(ctx, "rec-1", digestA, "auditd")
	_, _, _ = c.Append(ctx, "rec-2", digestB, "auditd")

	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	c := chain.NewMemory()
	if err := c.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	c := chain.NewMemory()
	root, _ := c.Root(ctx)
	if root != chain.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
	}

	e, _, _ := c.Append(ctx, "rec-1", digestA, "auditd")
	root, err := c.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestAppend_concurrentSameKey(t *testing.T) {
	c := chain.NewMemory()
	var wg sync.WaitGroup
	refs := make([]string, 16)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.Append(ctx, "rec-1", digestA, "auditd")
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			refs[i] = e.TxRef
		}(i)
	}
	wg.Wait()

	for _, r := range refs {
		if r != refs[0] {
			t.Fatalf("concurrent appends returned different tx refs: %q vs %q", r, refs[0])
		}
	}
	if n, _ := c.Len(ctx); n != 2 {
		t.Errorf("expected 2 entries, got %d", n)
	}
}

// ── Journal ──────────────────────────────────────────────────────────────────

func TestJournal_restoresChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.journal")

	j, err := chain.OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	c := chain.NewMemory()
	if err := c.Restore(j); err != nil {
		t.Fatal(err)
	}
	e1, _, _ := c.Append(ctx, "rec-1", digestA, "auditd")
	e2, _, _ := c.Append(ctx, "rec-2", digestB, "auditd")
	j.Close()

	j2, err := chain.OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	restored := chain.NewMemory()
	if err := restored.Restore(j2); err != nil {
		t.Fatal(err)
	}

	root, _ := restored.Root(ctx)
	if root != e2.Hash {
		t.Errorf("restored root %q, want %q", root, e2.Hash)
	}
	got, err := restored.GetByKey(ctx, "rec-1")
	if err != nil || got.TxRef != e1.TxRef {
		t.Errorf("restored GetByKey = %+v, %v", got, err)
	}
	if err := restored.Verify(ctx); err != nil {
		t.Errorf("Verify() after restore: %v", err)
	}

	// Appends after a restore keep chaining from the restored tip.
	e3, _, err := restored.Append(ctx, "rec-3", digestA, "auditd")
	if err != nil {
		t.Fatal(err)
	}
	if e3.PrevHash != e2.Hash {
		t.Errorf("e3.PrevHash=%q, want %q", e3.PrevHash, e2.Hash)
	}
}

func TestJournal_dropsTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.journal")
	j, _ := chain.OpenJournal(path)
	c := chain.NewMemory()
	if err := c.Restore(j); err != nil {
		t.Fatal(err)
	}
	e1, _, _ := c.Append(ctx, "rec-1", digestA, "auditd")
	j.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x40, 0x00, 0x00, 0x00, '{', '"'})
	f.Close()

	j2, _ := chain.OpenJournal(path)
	defer j2.Close()
	restored := chain.NewMemory()
	if err := restored.Restore(j2); err != nil {
		t.Fatalf("Restore() with torn tail: %v", err)
	}
	root, _ := restored.Root(ctx)
	if root != e1.Hash {
		t.Errorf("root %q, want %q", root, e1.Hash)
	}
}

func TestJournal_detectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.journal")
	j, _ := chain.OpenJournal(path)
	c := chain.NewMemory()
	if err := c.Restore(j); err != nil {
		t.Fatal(err)
	}
	_, _, _ = c.Append(ctx, "rec-1", digestA, "auditd")
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(data, []byte(digestA), []byte(digestB), 1)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	j2, _ := chain.OpenJournal(path)
	defer j2.Close()
	if err := chain.NewMemory().Restore(j2); err == nil {
		t.Error("Restore() should reject a tampered journal")
	}
}

// ── Snapshot ─────────────────────────────────────────────────────────────────

func TestSnapshot_roundTrip(t *testing.T) {
	c := chain.NewMemory()
	for i := 0; i < 3; i++ {
		if _, _, err := c.Append(ctx, "rec-"+string(rune('a'+i)), digestA, "auditd"); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	n, err := chain.ExportSnapshot(ctx, c, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("exported %d entries, want 4", n)
	}

	entries, err := chain.ReadSnapshot(&buf)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := c.Root(ctx)
	if len(entries) != 4 || entries[3].Hash != root {
		t.Errorf("snapshot does not end at root %q: %+v", root, entries)
	}
}

func TestOpenMemory_createsDirAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.journal")

	c, err := chain.OpenMemory(path)
	if err != nil {
		t.Fatal(err)
	}
	e, _, err := c.Append(ctx, "rec-1", digestA, "auditd")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := chain.OpenMemory(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.GetByTx(ctx, e.TxRef)
	if err != nil || got.Digest != digestA {
		t.Errorf("GetByTx after reopen = %+v, %v", got, err)
	}
}
