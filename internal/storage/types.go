package storage

import (
	"reelhouse/internal/models"
)

type CreateTitleParams struct {
	Kind     models.TitleKind
	Name     string
	Archived bool
}

type CreateEpisodeParams struct {
	TitleID       int64
	Name          string
	SeasonNumber  int
	EpisodeNumber int
	Archived      bool
}

type CreateUploadJobParams struct {
	ID         string
	BytesTotal int64
	Payload    models.UploadPayload
	TitleID    *int64
	EpisodeID  *int64
}

type UploadJobFilter struct {
	Status models.UploadStatus
	Limit  int
}

// AssetPlaceholder seeds one PROCESSING AssetVersion for the job's owner.
type AssetPlaceholder struct {
	Rendition models.Rendition
	SourceURL string
}

type AssetReadyParams struct {
	Owner       models.AssetOwner
	Rendition   models.Rendition
	UploadJobID string
	URL         string
	SizeBytes   int64
	DurationSec float64
}
