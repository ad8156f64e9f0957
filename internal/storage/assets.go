package storage

import (
	"context"
	"fmt"

	"reelhouse/internal/models"
)

// assetKey mirrors the (titleId-or-0, episodeId-or-0, rendition) uniqueness
// of asset versions.
func assetKey(owner models.AssetOwner, rendition models.Rendition) string {
	return fmt.Sprintf("%d:%d:%s", owner.TitleID, owner.EpisodeID, rendition)
}

func (s *Storage) ListAssetVersions(ctx context.Context, owner models.AssetOwner) ([]models.AssetVersion, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]models.AssetVersion, 0, len(models.AllRenditions()))
	for _, version := range s.data.Assets {
		if version.Owner() != owner {
			continue
		}
		versions = append(versions, cloneAssetVersion(version))
	}
	models.SortAssetVersions(versions)
	return versions, nil
}

func (s *Storage) GetAssetVersion(ctx context.Context, owner models.AssetOwner, rendition models.Rendition) (models.AssetVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, ok := s.data.Assets[assetKey(owner, rendition)]
	if !ok {
		return models.AssetVersion{}, fmt.Errorf("asset version %s: %w", rendition, ErrNotFound)
	}
	return cloneAssetVersion(version), nil
}

func (s *Storage) MarkAssetVersionReady(ctx context.Context, params AssetReadyParams) (models.AssetVersion, error) {
	if err := validateReady(params); err != nil {
		return models.AssetVersion{}, err
	}
	return s.mutateAssetVersion(params.Owner, params.Rendition, func(version *models.AssetVersion) {
		version.Status = models.AssetStatusReady
		version.URL = params.URL
		version.SizeBytes = params.SizeBytes
		version.DurationSec = params.DurationSec
		version.UploadJobID = params.UploadJobID
	})
}

func (s *Storage) MarkAssetVersionFailed(ctx context.Context, owner models.AssetOwner, rendition models.Rendition, uploadJobID string) (models.AssetVersion, error) {
	if err := validateOwner(owner); err != nil {
		return models.AssetVersion{}, err
	}
	return s.mutateAssetVersion(owner, rendition, func(version *models.AssetVersion) {
		version.Status = models.AssetStatusFailed
		version.URL = ""
		version.UploadJobID = uploadJobID
	})
}

// mutateAssetVersion upserts the version for owner and rendition.
func (s *Storage) mutateAssetVersion(owner models.AssetOwner, rendition models.Rendition, fn func(*models.AssetVersion)) (models.AssetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.init()

	now := s.now()
	key := assetKey(owner, rendition)
	original, existed := s.data.Assets[key]
	version := cloneAssetVersion(original)
	if !existed {
		id, err := generateID()
		if err != nil {
			return models.AssetVersion{}, err
		}
		version = models.AssetVersion{
			ID:        id,
			TitleID:   owner.TitleRef(),
			EpisodeID: owner.EpisodeRef(),
			Rendition: rendition,
			CreatedAt: now,
		}
	}
	fn(&version)
	version.UpdatedAt = now

	s.data.Assets[key] = version
	if err := s.persist(); err != nil {
		if existed {
			s.data.Assets[key] = original
		} else {
			delete(s.data.Assets, key)
		}
		return models.AssetVersion{}, err
	}
	return cloneAssetVersion(version), nil
}
