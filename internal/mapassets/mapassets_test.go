package mapassets

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/domain"
)

func testLibrary(t *testing.T) (*Library, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	pool := NewIOPool(PoolConfig{Workers: 2, QueueDepth: 8})
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewLibrary(store, cache.NewInMemoryCache(), pool, time.Minute), store
}

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{PointCloudKey("warehouse"), "point_clouds/warehouse.ply"},
		{ReferenceImageKey("warehouse", "entrance"), "reference_images/warehouse/entrance.jpg"},
		{MetadataKey("warehouse"), "maps/warehouse/metadata.json"},
		{FeaturesKey("warehouse"), "maps/warehouse/features.bin"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSaveAndFetchMetadata(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := context.Background()

	meta := &MapMetadata{ID: "warehouse", Name: "Warehouse Floor", PointCount: 120000}
	if err := lib.SaveMetadata(ctx, meta); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if meta.CreatedAt.IsZero() || meta.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be stamped on save")
	}

	got, err := lib.Metadata(ctx, "warehouse")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if got.Name != "Warehouse Floor" || got.PointCount != 120000 {
		t.Errorf("metadata = %+v", got)
	}
}

func TestMetadataReadThrough(t *testing.T) {
	lib, store := testLibrary(t)
	ctx := context.Background()

	if err := lib.SaveMetadata(ctx, &MapMetadata{ID: "lobby", Name: "Lobby"}); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}

	// Remove the backing object; the cached document must still serve reads.
	if err := store.Delete(ctx, MetadataKey("lobby")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := lib.Metadata(ctx, "lobby")
	if err != nil {
		t.Fatalf("Metadata after backing delete: %v", err)
	}
	if got.Name != "Lobby" {
		t.Errorf("Name = %q, want Lobby", got.Name)
	}
}

func TestMetadataNotFound(t *testing.T) {
	lib, _ := testLibrary(t)

	_, err := lib.Metadata(context.Background(), "nonexistent")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestMetadataRejectsInvalidID(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := context.Background()

	for _, id := range []string{"", "a/b", "..", "id with spaces", strings.Repeat("x", 65)} {
		if _, err := lib.Metadata(ctx, id); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Metadata(%q) err = %v, want ErrValidation", id, err)
		}
	}
}

func TestListMaps(t *testing.T) {
	lib, store := testLibrary(t)
	ctx := context.Background()

	for _, id := range []string{"alpha", "beta"} {
		if err := lib.SaveMetadata(ctx, &MapMetadata{ID: id, Name: id}); err != nil {
			t.Fatalf("SaveMetadata(%s): %v", id, err)
		}
	}
	// A feature blob without a metadata document must not surface as a map.
	if err := lib.SaveFeatures(ctx, "orphan", strings.NewReader("blob")); err != nil {
		t.Fatalf("SaveFeatures: %v", err)
	}
	if store.Len() != 3 {
		t.Fatalf("stored objects = %d, want 3", store.Len())
	}

	maps, err := lib.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(maps) != 2 {
		t.Fatalf("len(maps) = %d, want 2", len(maps))
	}
	if maps[0].ID != "alpha" || maps[1].ID != "beta" {
		t.Errorf("maps = [%s %s], want [alpha beta]", maps[0].ID, maps[1].ID)
	}
}

func TestPointCloudRoundTrip(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := context.Background()

	payload := "ply\nformat ascii 1.0\n"
	if err := lib.SavePointCloud(ctx, "warehouse", strings.NewReader(payload)); err != nil {
		t.Fatalf("SavePointCloud: %v", err)
	}

	rc, err := lib.PointCloud(ctx, "warehouse")
	if err != nil {
		t.Fatalf("PointCloud: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != payload {
		t.Errorf("point cloud = %q, want %q", b, payload)
	}
}

func TestFeaturesRoundTrip(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := context.Background()

	payload := "ORB descriptors"
	if err := lib.SaveFeatures(ctx, "warehouse", strings.NewReader(payload)); err != nil {
		t.Fatalf("SaveFeatures: %v", err)
	}

	rc, err := lib.Features(ctx, "warehouse")
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != payload {
		t.Errorf("features = %q, want %q", b, payload)
	}

	if _, err := lib.Features(ctx, "unknown"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Features(unknown) err = %v, want ErrObjectNotFound", err)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func TestMetadataWritesNotifyPeers(t *testing.T) {
	lib, _ := testLibrary(t)
	ctx := context.Background()

	pub := &recordingPublisher{}
	lib.NotifyPeers(pub)

	if err := lib.SaveMetadata(ctx, &MapMetadata{ID: "lobby", Name: "Lobby"}); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if err := lib.DeleteMap(ctx, "lobby"); err != nil {
		t.Fatalf("DeleteMap: %v", err)
	}

	want := []string{"parallax:map:meta:lobby", "parallax:map:meta:lobby"}
	if len(pub.keys) != len(want) {
		t.Fatalf("published keys = %v, want %v", pub.keys, want)
	}
	for i := range want {
		if pub.keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, pub.keys[i], want[i])
		}
	}
}

func TestDeleteMapRemovesAllObjects(t *testing.T) {
	lib, store := testLibrary(t)
	ctx := context.Background()

	if err := lib.SaveMetadata(ctx, &MapMetadata{ID: "site", Name: "Site"}); err != nil {
		t.Fatalf("SaveMetadata: %v", err)
	}
	if err := lib.SavePointCloud(ctx, "site", strings.NewReader("cloud")); err != nil {
		t.Fatalf("SavePointCloud: %v", err)
	}
	if err := lib.SaveFeatures(ctx, "site", strings.NewReader("features")); err != nil {
		t.Fatalf("SaveFeatures: %v", err)
	}
	if err := lib.SaveReferenceImage(ctx, "site", "north", strings.NewReader("jpeg")); err != nil {
		t.Fatalf("SaveReferenceImage: %v", err)
	}

	if err := lib.DeleteMap(ctx, "site"); err != nil {
		t.Fatalf("DeleteMap: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("stored objects after delete = %d, want 0", store.Len())
	}
	if _, err := lib.Metadata(ctx, "site"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Metadata after delete err = %v, want ErrObjectNotFound", err)
	}
}

func TestPoolBoundsQueue(t *testing.T) {
	pool := NewIOPool(PoolConfig{Workers: 1, QueueDepth: 1})
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	running := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the single worker.
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Do(context.Background(), func(context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	// The first probe lands in the one queue slot and times out waiting;
	// its abandoned task keeps the slot full, so a later probe must see
	// ErrPoolBusy immediately.
	deadline := time.Now().Add(2 * time.Second)
	for {
		probeCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := pool.Do(probeCtx, func(context.Context) error { return nil })
		cancel()
		if errors.Is(err, ErrPoolBusy) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never observed ErrPoolBusy with a saturated pool")
		}
	}

	close(release)
	wg.Wait()
}

func TestPoolHonorsContext(t *testing.T) {
	pool := NewIOPool(PoolConfig{Workers: 1, QueueDepth: 4})
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Do(ctx, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPoolStopFailsPendingWork(t *testing.T) {
	pool := NewIOPool(PoolConfig{Workers: 1, QueueDepth: 4})
	pool.Start()
	pool.Stop()

	err := pool.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("err = %v, want ErrPoolStopped", err)
	}
}

func TestMemoryStoreListPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, key := range []string{"maps/a/metadata.json", "maps/b/metadata.json", "point_clouds/a.ply"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), "application/octet-stream"); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	infos, err := store.List(ctx, "maps/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	if infos[0].Key != "maps/a/metadata.json" || infos[1].Key != "maps/b/metadata.json" {
		t.Errorf("keys = %v", []string{infos[0].Key, infos[1].Key})
	}
}

func TestMapIDFromKey(t *testing.T) {
	tests := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{"maps/warehouse/metadata.json", "warehouse", true},
		{"maps/warehouse/features.bin", "", false},
		{"maps//metadata.json", "", false},
		{"maps/a/b/metadata.json", "", false},
		{"point_clouds/warehouse.ply", "", false},
	}
	for _, tt := range tests {
		id, ok := mapIDFromKey(tt.key)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("mapIDFromKey(%q) = (%q, %v), want (%q, %v)", tt.key, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
