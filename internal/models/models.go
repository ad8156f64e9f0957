package models

import (
	"sort"
	"time"
)

type TitleKind string

const (
	TitleKindMovie  TitleKind = "MOVIE"
	TitleKindSeries TitleKind = "SERIES"
)

// UploadKind describes what an upload is attached to. MOVIE and SERIES
// uploads reference a Title, EPISODE uploads reference an Episode.
type UploadKind string

const (
	UploadKindMovie   UploadKind = "MOVIE"
	UploadKindSeries  UploadKind = "SERIES"
	UploadKindEpisode UploadKind = "EPISODE"
)

func (k UploadKind) Valid() bool {
	switch k {
	case UploadKindMovie, UploadKindSeries, UploadKindEpisode:
		return true
	default:
		return false
	}
}

// TitleKind maps a MOVIE or SERIES upload onto the kind of Title it creates.
// EPISODE uploads always hang off a SERIES title.
func (k UploadKind) TitleKind() TitleKind {
	if k == UploadKindMovie {
		return TitleKindMovie
	}
	return TitleKindSeries
}

type Title struct {
	ID        int64     `json:"id"`
	Kind      TitleKind `json:"kind"`
	Name      string    `json:"name"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Episode struct {
	ID            int64     `json:"id"`
	TitleID       int64     `json:"titleId"`
	Name          string    `json:"name"`
	SeasonNumber  int       `json:"seasonNumber"`
	EpisodeNumber int       `json:"episodeNumber"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UploadPayload is the storage-session state carried on an UploadJob.
type UploadPayload struct {
	Key            string      `json:"key"`
	UploadID       string      `json:"uploadId"`
	FileName       string      `json:"fileName"`
	ContentType    string      `json:"contentType,omitempty"`
	Renditions     []Rendition `json:"renditions"`
	PartSize       int64       `json:"partSize"`
	PartCount      int         `json:"partCount"`
	ConfirmedParts []int       `json:"confirmedParts,omitempty"`
	// Finalized is set once the multipart session has been completed and the
	// master object exists in storage.
	Finalized bool `json:"finalized"`
}

type UploadJob struct {
	ID            string        `json:"id"`
	Status        UploadStatus  `json:"status"`
	BytesUploaded int64         `json:"bytesUploaded"`
	BytesTotal    int64         `json:"bytesTotal"`
	Error         string        `json:"error,omitempty"`
	Payload       UploadPayload `json:"payload"`
	TitleID       *int64        `json:"titleId,omitempty"`
	EpisodeID     *int64        `json:"episodeId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
}

// Owner returns the asset identity the job's renditions are filed under.
func (j UploadJob) Owner() AssetOwner {
	return OwnerOf(j.TitleID, j.EpisodeID)
}

// AssetOwner identifies the Title or Episode an AssetVersion belongs to.
// Exactly one of the fields is non-zero.
type AssetOwner struct {
	TitleID   int64 `json:"titleId"`
	EpisodeID int64 `json:"episodeId"`
}

func OwnerOf(titleID, episodeID *int64) AssetOwner {
	var owner AssetOwner
	if titleID != nil {
		owner.TitleID = *titleID
	}
	if episodeID != nil {
		owner.EpisodeID = *episodeID
	}
	return owner
}

func (o AssetOwner) Valid() bool {
	return (o.TitleID > 0) != (o.EpisodeID > 0)
}

func (o AssetOwner) TitleRef() *int64 {
	if o.TitleID <= 0 {
		return nil
	}
	id := o.TitleID
	return &id
}

func (o AssetOwner) EpisodeRef() *int64 {
	if o.EpisodeID <= 0 {
		return nil
	}
	id := o.EpisodeID
	return &id
}

type AssetVersion struct {
	ID        string      `json:"id"`
	TitleID   *int64      `json:"titleId,omitempty"`
	EpisodeID *int64      `json:"episodeId,omitempty"`
	Rendition Rendition   `json:"rendition"`
	Status    AssetStatus `json:"status"`
	// URL is the playable rendition and is only set once the version is READY.
	URL string `json:"url,omitempty"`
	// SourceURL points at the uploaded master while the version is processing.
	SourceURL   string    `json:"sourceUrl,omitempty"`
	SizeBytes   int64     `json:"sizeBytes,omitempty"`
	DurationSec float64   `json:"durationSec,omitempty"`
	UploadJobID string    `json:"uploadJobId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (v AssetVersion) Owner() AssetOwner {
	return OwnerOf(v.TitleID, v.EpisodeID)
}

// SortAssetVersions orders versions from the highest resolution to the lowest,
// the order playback source lists are ranked in.
func SortAssetVersions(versions []AssetVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Rendition.Rank() < versions[j].Rendition.Rank()
	})
}

// TranscodeJob is the queue payload handed from upload completion to the
// transcode workers.
type TranscodeJob struct {
	UploadJobID string      `json:"uploadJobId"`
	Key         string      `json:"key"`
	Renditions  []Rendition `json:"renditions"`
	TitleID     *int64      `json:"titleId,omitempty"`
	EpisodeID   *int64      `json:"episodeId,omitempty"`
}

func (j TranscodeJob) Owner() AssetOwner {
	return OwnerOf(j.TitleID, j.EpisodeID)
}
