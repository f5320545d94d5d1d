package mapassets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/logging"
)

// MapMetadata describes a persisted AR map.
type MapMetadata struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	PointCount   int         `json:"point_count"`
	FeatureCount int         `json:"feature_count"`
	SizeBytes    int64       `json:"size_bytes"`
	Origin       *[3]float64 `json:"origin,omitempty"`
}

const defaultMetadataTTL = 5 * time.Minute

// Map IDs and image names embed directly into object keys.
var mapIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func metadataCacheKey(mapID string) string {
	return "parallax:map:meta:" + mapID
}

// InvalidationPublisher broadcasts a cache eviction to peer nodes. Needed
// when the metadata cache has a node-local tier: Set/Delete only touch this
// node's copy.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Library is the map asset facade used by the control plane: metadata reads
// go through the cache, every storage round trip rides the IO pool.
type Library struct {
	store    ObjectStore
	cache    cache.Cache
	pool     *IOPool
	cacheTTL time.Duration
	peers    InvalidationPublisher

	now func() time.Time
}

// NewLibrary wires a Library. A nil metadata cache falls back to an
// in-process one; a zero TTL uses the default.
func NewLibrary(store ObjectStore, c cache.Cache, pool *IOPool, cacheTTL time.Duration) *Library {
	if c == nil {
		c = cache.NewInMemoryCache()
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultMetadataTTL
	}
	return &Library{
		store:    store,
		cache:    c,
		pool:     pool,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// NotifyPeers installs the cross-node invalidation publisher.
func (l *Library) NotifyPeers(p InvalidationPublisher) {
	l.peers = p
}

func (l *Library) invalidatePeers(ctx context.Context, key string) {
	if l.peers == nil {
		return
	}
	if err := l.peers.PublishInvalidation(ctx, key); err != nil {
		logging.Op().Warn("map metadata invalidation publish failed", "key", key, "error", err)
	}
}

// Metadata returns a map's metadata document, reading through the cache.
func (l *Library) Metadata(ctx context.Context, mapID string) (*MapMetadata, error) {
	if !mapIDPattern.MatchString(mapID) {
		return nil, fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}

	if b, err := l.cache.Get(ctx, metadataCacheKey(mapID)); err == nil {
		var meta MapMetadata
		if err := json.Unmarshal(b, &meta); err == nil {
			return &meta, nil
		}
		logging.Op().Warn("corrupt cached map metadata", "map", mapID)
	}

	var b []byte
	err := l.pool.Do(ctx, func(ctx context.Context) error {
		rc, err := l.store.Get(ctx, MetadataKey(mapID))
		if err != nil {
			return err
		}
		defer rc.Close()
		b, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return nil, err
	}

	var meta MapMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", mapID, err)
	}
	if err := l.cache.Set(ctx, metadataCacheKey(mapID), b, l.cacheTTL); err != nil {
		logging.Op().Debug("map metadata cache set failed", "map", mapID, "error", err)
	}
	return &meta, nil
}

// List returns metadata for every stored map. Maps whose metadata document
// is missing or unreadable are skipped.
func (l *Library) List(ctx context.Context) ([]*MapMetadata, error) {
	var infos []ObjectInfo
	err := l.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		infos, err = l.store.List(ctx, "maps/")
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []*MapMetadata
	for _, info := range infos {
		id, ok := mapIDFromKey(info.Key)
		if !ok {
			continue
		}
		meta, err := l.Metadata(ctx, id)
		if err != nil {
			logging.Op().Warn("skip unreadable map metadata", "map", id, "error", err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// SaveMetadata writes a map's metadata document and refreshes the cache.
// CreatedAt is set on first write; UpdatedAt is always stamped.
func (l *Library) SaveMetadata(ctx context.Context, meta *MapMetadata) error {
	if meta == nil || !mapIDPattern.MatchString(meta.ID) {
		return fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}

	now := l.now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", meta.ID, err)
	}
	err = l.pool.Do(ctx, func(ctx context.Context) error {
		return l.store.Put(ctx, MetadataKey(meta.ID), bytes.NewReader(b), "application/json")
	})
	if err != nil {
		return err
	}
	if err := l.cache.Set(ctx, metadataCacheKey(meta.ID), b, l.cacheTTL); err != nil {
		logging.Op().Debug("map metadata cache set failed", "map", meta.ID, "error", err)
	}
	l.invalidatePeers(ctx, metadataCacheKey(meta.ID))
	return nil
}

// SavePointCloud stores a map's dense point cloud.
func (l *Library) SavePointCloud(ctx context.Context, mapID string, data io.Reader) error {
	if !mapIDPattern.MatchString(mapID) {
		return fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}
	return l.pool.Do(ctx, func(ctx context.Context) error {
		return l.store.Put(ctx, PointCloudKey(mapID), data, "application/octet-stream")
	})
}

// PointCloud opens a map's point cloud for reading.
func (l *Library) PointCloud(ctx context.Context, mapID string) (io.ReadCloser, error) {
	if !mapIDPattern.MatchString(mapID) {
		return nil, fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}
	var rc io.ReadCloser
	err := l.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		rc, err = l.store.Get(ctx, PointCloudKey(mapID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// SaveFeatures stores a map's feature descriptor blob.
func (l *Library) SaveFeatures(ctx context.Context, mapID string, data io.Reader) error {
	if !mapIDPattern.MatchString(mapID) {
		return fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}
	return l.pool.Do(ctx, func(ctx context.Context) error {
		return l.store.Put(ctx, FeaturesKey(mapID), data, "application/octet-stream")
	})
}

// Features opens a map's feature blob for reading.
func (l *Library) Features(ctx context.Context, mapID string) (io.ReadCloser, error) {
	if !mapIDPattern.MatchString(mapID) {
		return nil, fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}
	var rc io.ReadCloser
	err := l.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		rc, err = l.store.Get(ctx, FeaturesKey(mapID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// SaveReferenceImage stores a localization reference image under the map.
func (l *Library) SaveReferenceImage(ctx context.Context, mapID, name string, data io.Reader) error {
	if !mapIDPattern.MatchString(mapID) {
		return fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}
	if !mapIDPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid image name", domain.ErrValidation)
	}
	return l.pool.Do(ctx, func(ctx context.Context) error {
		return l.store.Put(ctx, ReferenceImageKey(mapID, name), data, "image/jpeg")
	})
}

// DeleteMap removes every object stored for the map and drops its cache
// entry. Missing objects are ignored.
func (l *Library) DeleteMap(ctx context.Context, mapID string) error {
	if !mapIDPattern.MatchString(mapID) {
		return fmt.Errorf("%w: invalid map id", domain.ErrValidation)
	}

	err := l.pool.Do(ctx, func(ctx context.Context) error {
		keys := []string{MetadataKey(mapID), FeaturesKey(mapID), PointCloudKey(mapID)}
		images, err := l.store.List(ctx, "reference_images/"+mapID+"/")
		if err != nil {
			return err
		}
		for _, img := range images {
			keys = append(keys, img.Key)
		}
		for _, key := range keys {
			if err := l.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := l.cache.Delete(ctx, metadataCacheKey(mapID)); err != nil {
		logging.Op().Debug("map metadata cache delete failed", "map", mapID, "error", err)
	}
	l.invalidatePeers(ctx, metadataCacheKey(mapID))
	return nil
}

// Healthy probes the backing store directly: health checks must not queue
// behind a saturated IO pool.
func (l *Library) Healthy(ctx context.Context) error {
	return l.store.Healthy(ctx)
}

func mapIDFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "maps/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/metadata.json")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
