// Package repo defines the repository interfaces that stand in for the
// relational store the original implementation kept video, transcript,
// moment, clip and pipeline-history records in. Persisting those records is
// out of scope here (the pipeline core coordinates through Redis only), but
// every stage needs somewhere to read/write them, so this package gives
// that boundary a Go interface plus an in-memory reference implementation
// for tests and local runs — grounded on the shape of
// app/repositories/*_db_repository.py, one interface per table.
package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// VideoRecord is the subset of video metadata the pipeline needs: where to
// download the source file from, its duration once known, and the signed
// object-store URL Download registers once the source media has been
// uploaded — the skip condition spec.md:175 keys Download's resubmission
// behavior off.
type VideoRecord struct {
	ID         string
	SourceURL  string
	DurationS  float64
	LocalPath  string
	CloudURL   string
}

// VideoRepository reads and writes video records.
type VideoRepository interface {
	GetVideo(ctx context.Context, videoID string) (*VideoRecord, error)
	UpdateDuration(ctx context.Context, videoID string, durationS float64) error
	UpdateLocalPath(ctx context.Context, videoID string, path string) error
	UpdateCloudURL(ctx context.Context, videoID string, url string) error
}

// TranscriptRepository persists transcription stage output.
type TranscriptRepository interface {
	SaveTranscript(ctx context.Context, result pipeline.TranscriptResult) error
	GetTranscript(ctx context.Context, videoID string) (*pipeline.TranscriptResult, error)
}

// MomentRepository persists moment-generation and refinement output.
type MomentRepository interface {
	SaveCandidates(ctx context.Context, videoID string, candidates []pipeline.MomentCandidate) ([]pipeline.MomentRecord, error)
	SaveRefined(ctx context.Context, moment pipeline.MomentRecord) error
	ListMomentsByVideo(ctx context.Context, videoID string) ([]pipeline.MomentRecord, error)
	AllRefined(ctx context.Context, videoID string) (bool, error)
}

// ClipRepository persists clip-extraction and upload output.
type ClipRepository interface {
	SaveClip(ctx context.Context, clip pipeline.ClipRecord) error
	MarkUploaded(ctx context.Context, clipID, remoteURL string) error
	ListClipsByVideo(ctx context.Context, videoID string) ([]pipeline.ClipRecord, error)
	AllClipsExist(ctx context.Context, videoID string) (bool, error)
	AllClipsUploaded(ctx context.Context, videoID string) (bool, error)
}

// ThumbnailRepository persists generated thumbnails.
type ThumbnailRepository interface {
	SaveThumbnail(ctx context.Context, thumb pipeline.ThumbnailRecord) error
}

// GenerationConfigRepository persists the generation config selected for a run.
type GenerationConfigRepository interface {
	SaveConfig(ctx context.Context, videoID string, cfg pipeline.GenerationConfig) error
	GetConfig(ctx context.Context, videoID string) (*pipeline.GenerationConfig, error)
}

// PipelineHistoryRepository records coarse run bookkeeping (used for
// operator-facing audit, not for pipeline control flow — the authoritative
// run state lives in the status package's Redis hashes).
type PipelineHistoryRepository interface {
	CreateHistory(ctx context.Context, run *pipeline.PipelineRun) (string, error)
	UpdateHistoryStatus(ctx context.Context, historyID string, state pipeline.RunState, errMessage string) error
}

// InMemory is a reference implementation of every repository interface,
// backed by maps guarded by a single mutex. It is enough to exercise the
// orchestrator and stages in tests without a database.
type InMemory struct {
	mu           sync.Mutex
	videos       map[string]*VideoRecord
	transcripts  map[string]pipeline.TranscriptResult
	moments      map[string][]pipeline.MomentRecord
	clips        map[string][]pipeline.ClipRecord
	thumbnails   map[string][]pipeline.ThumbnailRecord
	configs      map[string]pipeline.GenerationConfig
	history      map[string]*pipeline.PipelineRun
	nextMomentID int
	nextClipID   int
	nextHistID   int
}

// NewInMemory creates an empty InMemory repository set.
func NewInMemory() *InMemory {
	return &InMemory{
		videos:      make(map[string]*VideoRecord),
		transcripts: make(map[string]pipeline.TranscriptResult),
		moments:     make(map[string][]pipeline.MomentRecord),
		clips:       make(map[string][]pipeline.ClipRecord),
		thumbnails:  make(map[string][]pipeline.ThumbnailRecord),
		configs:     make(map[string]pipeline.GenerationConfig),
		history:     make(map[string]*pipeline.PipelineRun),
	}
}

// SeedVideo registers a video so Get/UpdateDuration have something to act on.
func (m *InMemory) SeedVideo(v VideoRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := v
	m.videos[v.ID] = &rec
}

func (m *InMemory) GetVideo(ctx context.Context, videoID string) (*VideoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: video %s not found", pipeline.ErrValidation, videoID)
	}
	cp := *v
	return &cp, nil
}

func (m *InMemory) UpdateDuration(ctx context.Context, videoID string, durationS float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: video %s not found", pipeline.ErrValidation, videoID)
	}
	v.DurationS = durationS
	return nil
}

func (m *InMemory) UpdateLocalPath(ctx context.Context, videoID string, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: video %s not found", pipeline.ErrValidation, videoID)
	}
	v.LocalPath = path
	return nil
}

func (m *InMemory) UpdateCloudURL(ctx context.Context, videoID string, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[videoID]
	if !ok {
		return fmt.Errorf("%w: video %s not found", pipeline.ErrValidation, videoID)
	}
	v.CloudURL = url
	return nil
}

func (m *InMemory) SaveTranscript(ctx context.Context, result pipeline.TranscriptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[result.VideoID] = result
	return nil
}

func (m *InMemory) GetTranscript(ctx context.Context, videoID string) (*pipeline.TranscriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[videoID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *InMemory) SaveCandidates(ctx context.Context, videoID string, candidates []pipeline.MomentCandidate) ([]pipeline.MomentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]pipeline.MomentRecord, 0, len(candidates))
	for _, c := range candidates {
		m.nextMomentID++
		records = append(records, pipeline.MomentRecord{
			ID:        fmt.Sprintf("moment-%d", m.nextMomentID),
			VideoID:   videoID,
			StartTime: c.StartTime,
			EndTime:   c.EndTime,
			Title:     c.Title,
		})
	}
	m.moments[videoID] = append(m.moments[videoID], records...)
	return records, nil
}

func (m *InMemory) SaveRefined(ctx context.Context, moment pipeline.MomentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.moments[moment.VideoID]
	for i, existing := range list {
		if existing.ID == moment.ParentID || existing.ID == moment.ID {
			list[i] = moment
			list[i].IsRefined = true
			m.moments[moment.VideoID] = list
			return nil
		}
	}
	return fmt.Errorf("%w: moment %s not found for video %s", pipeline.ErrValidation, moment.ID, moment.VideoID)
}

func (m *InMemory) ListMomentsByVideo(ctx context.Context, videoID string) ([]pipeline.MomentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.MomentRecord, len(m.moments[videoID]))
	copy(out, m.moments[videoID])
	return out, nil
}

func (m *InMemory) AllRefined(ctx context.Context, videoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moments := m.moments[videoID]
	if len(moments) == 0 {
		return false, nil
	}
	for _, mm := range moments {
		if !mm.IsRefined {
			return false, nil
		}
	}
	return true, nil
}

func (m *InMemory) SaveClip(ctx context.Context, clip pipeline.ClipRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clips[clip.VideoID] = append(m.clips[clip.VideoID], clip)
	return nil
}

func (m *InMemory) MarkUploaded(ctx context.Context, clipID, remoteURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for videoID, clips := range m.clips {
		for i, c := range clips {
			if c.ID == clipID {
				clips[i].Uploaded = true
				clips[i].RemoteURL = remoteURL
				m.clips[videoID] = clips
				return nil
			}
		}
	}
	return fmt.Errorf("%w: clip %s not found", pipeline.ErrValidation, clipID)
}

func (m *InMemory) ListClipsByVideo(ctx context.Context, videoID string) ([]pipeline.ClipRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.ClipRecord, len(m.clips[videoID]))
	copy(out, m.clips[videoID])
	return out, nil
}

func (m *InMemory) AllClipsExist(ctx context.Context, videoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moments := m.moments[videoID]
	if len(moments) == 0 {
		return false, nil
	}
	return len(m.clips[videoID]) >= len(moments), nil
}

func (m *InMemory) AllClipsUploaded(ctx context.Context, videoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clips := m.clips[videoID]
	if len(clips) == 0 {
		return false, nil
	}
	for _, c := range clips {
		if !c.Uploaded {
			return false, nil
		}
	}
	return true, nil
}

func (m *InMemory) SaveThumbnail(ctx context.Context, thumb pipeline.ThumbnailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thumbnails[thumb.VideoID] = append(m.thumbnails[thumb.VideoID], thumb)
	return nil
}

func (m *InMemory) SaveConfig(ctx context.Context, videoID string, cfg pipeline.GenerationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[videoID] = cfg
	return nil
}

func (m *InMemory) GetConfig(ctx context.Context, videoID string) (*pipeline.GenerationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[videoID]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (m *InMemory) CreateHistory(ctx context.Context, run *pipeline.PipelineRun) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHistID++
	id := fmt.Sprintf("hist-%d", m.nextHistID)
	cp := *run
	m.history[id] = &cp
	return id, nil
}

func (m *InMemory) UpdateHistoryStatus(ctx context.Context, historyID string, state pipeline.RunState, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.history[historyID]
	if !ok {
		return fmt.Errorf("%w: history record %s not found", pipeline.ErrValidation, historyID)
	}
	rec.State = state
	rec.ErrorMessage = errMessage
	return nil
}
