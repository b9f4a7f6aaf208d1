package linktable

import (
	"testing"

	"github.com/cuemby/wasmcloud-host/pkg/configstore"
	"github.com/cuemby/wasmcloud-host/pkg/events"
	"github.com/cuemby/wasmcloud-host/pkg/herr"
	"github.com/cuemby/wasmcloud-host/pkg/types"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	store, err := configstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("configstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tbl, err := New(store, events.NewBroker(), "test-host")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tbl
}

func testLink(target string) *types.Link {
	return &types.Link{
		SourceID:      "comp-1",
		WitNamespace:  "wasi",
		WitPackage:    "keyvalue",
		WitInterfaces: []string{"store"},
		LinkName:      "default",
		TargetID:      target,
	}
}

func TestPutLinkAndResolve(t *testing.T) {
	tbl := newTable(t)

	if err := tbl.PutLink(testLink("kv-redis")); err != nil {
		t.Fatalf("PutLink() error = %v", err)
	}

	link, ok := tbl.Resolve("comp-1", "wasi", "keyvalue", "default")
	if !ok {
		t.Fatal("Resolve() did not find the link")
	}
	if link.TargetID != "kv-redis" {
		t.Errorf("TargetID = %q, want kv-redis", link.TargetID)
	}
}

func TestPutLinkIdempotentReputIsNoop(t *testing.T) {
	tbl := newTable(t)
	link := testLink("kv-redis")

	if err := tbl.PutLink(link); err != nil {
		t.Fatalf("first PutLink() error = %v", err)
	}
	if err := tbl.PutLink(testLink("kv-redis")); err != nil {
		t.Fatalf("idempotent PutLink() error = %v", err)
	}
	if len(tbl.All()) != 1 {
		t.Errorf("All() len = %d, want 1", len(tbl.All()))
	}
}

func TestPutLinkConflictingTargetIsDuplicate(t *testing.T) {
	tbl := newTable(t)

	if err := tbl.PutLink(testLink("kv-redis")); err != nil {
		t.Fatalf("first PutLink() error = %v", err)
	}

	err := tbl.PutLink(testLink("kv-postgres"))
	if herr.KindOf(err) != herr.DuplicateLink {
		t.Fatalf("KindOf(err) = %v, want %v", herr.KindOf(err), herr.DuplicateLink)
	}
}

func TestDeleteLinkIsIdempotent(t *testing.T) {
	tbl := newTable(t)
	link := testLink("kv-redis")

	if err := tbl.PutLink(link); err != nil {
		t.Fatalf("PutLink() error = %v", err)
	}

	key := link.Key()
	if err := tbl.DeleteLink(key); err != nil {
		t.Fatalf("first DeleteLink() error = %v", err)
	}
	if err := tbl.DeleteLink(key); err != nil {
		t.Fatalf("second DeleteLink() error = %v", err)
	}
	if _, ok := tbl.Resolve("comp-1", "wasi", "keyvalue", "default"); ok {
		t.Error("Resolve() still finds a deleted link")
	}
}

func TestLinksForMatchesSourceOrTarget(t *testing.T) {
	tbl := newTable(t)
	if err := tbl.PutLink(testLink("kv-redis")); err != nil {
		t.Fatalf("PutLink() error = %v", err)
	}

	if links := tbl.LinksFor("comp-1"); len(links) != 1 {
		t.Errorf("LinksFor(source) len = %d, want 1", len(links))
	}
	if links := tbl.LinksFor("kv-redis"); len(links) != 1 {
		t.Errorf("LinksFor(target) len = %d, want 1", len(links))
	}
	if links := tbl.LinksFor("nobody"); len(links) != 0 {
		t.Errorf("LinksFor(unrelated) len = %d, want 0", len(links))
	}
}
