package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"reelhouse/internal/models"
)

func (s *Storage) CreateTitle(ctx context.Context, params CreateTitleParams) (models.Title, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Title{}, fmt.Errorf("title name required")
	}
	if params.Kind != models.TitleKindMovie && params.Kind != models.TitleKindSeries {
		return models.Title{}, fmt.Errorf("invalid title kind %q", params.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.init()

	now := s.now()
	s.data.Sequences.Title++
	title := models.Title{
		ID:        s.data.Sequences.Title,
		Kind:      params.Kind,
		Name:      name,
		Archived:  params.Archived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Titles[title.ID] = title
	if err := s.persist(); err != nil {
		delete(s.data.Titles, title.ID)
		s.data.Sequences.Title--
		return models.Title{}, err
	}
	return title, nil
}

func (s *Storage) GetTitle(ctx context.Context, id int64) (models.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	title, ok := s.data.Titles[id]
	if !ok {
		return models.Title{}, fmt.Errorf("title %d: %w", id, ErrNotFound)
	}
	return title, nil
}

func (s *Storage) FindTitleByName(ctx context.Context, kind models.TitleKind, name string) (models.Title, error) {
	folded := foldName(name)
	if folded == "" {
		return models.Title{}, fmt.Errorf("title %q: %w", name, ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Title, 0, 1)
	for _, title := range s.data.Titles {
		if title.Kind != kind || foldName(title.Name) != folded {
			continue
		}
		matches = append(matches, title)
	}
	if len(matches) == 0 {
		return models.Title{}, fmt.Errorf("title %q: %w", name, ErrNotFound)
	}
	// Oldest match wins so repeated lookups are stable.
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches[0], nil
}

func (s *Storage) CreateEpisode(ctx context.Context, params CreateEpisodeParams) (models.Episode, error) {
	if params.SeasonNumber < 0 || params.EpisodeNumber < 0 {
		return models.Episode{}, fmt.Errorf("season and episode numbers must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.init()

	title, ok := s.data.Titles[params.TitleID]
	if !ok {
		return models.Episode{}, fmt.Errorf("title %d: %w", params.TitleID, ErrNotFound)
	}
	if title.Kind != models.TitleKindSeries {
		return models.Episode{}, fmt.Errorf("title %d is not a series", title.ID)
	}

	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = fmt.Sprintf("S%02dE%02d", params.SeasonNumber, params.EpisodeNumber)
	}

	now := s.now()
	s.data.Sequences.Episode++
	episode := models.Episode{
		ID:            s.data.Sequences.Episode,
		TitleID:       title.ID,
		Name:          name,
		SeasonNumber:  params.SeasonNumber,
		EpisodeNumber: params.EpisodeNumber,
		Archived:      params.Archived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.data.Episodes[episode.ID] = episode
	if err := s.persist(); err != nil {
		delete(s.data.Episodes, episode.ID)
		s.data.Sequences.Episode--
		return models.Episode{}, err
	}
	return episode, nil
}

func (s *Storage) GetEpisode(ctx context.Context, id int64) (models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episode, ok := s.data.Episodes[id]
	if !ok {
		return models.Episode{}, fmt.Errorf("episode %d: %w", id, ErrNotFound)
	}
	return episode, nil
}
