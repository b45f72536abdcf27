// Package pipeline defines the core entities shared by every stage of the
// video pipeline: runs, stages, generation configuration and the artifacts
// produced along the way (transcripts, moments, clips, thumbnails).
package pipeline

import "time"

// Stage identifies one step of the ordered pipeline.
type Stage string

const (
	StageDownload         Stage = "download"
	StageAudioExtract     Stage = "audio_extraction"
	StageAudioUpload      Stage = "audio_upload"
	StageTranscribe       Stage = "transcription"
	StageMomentGeneration Stage = "moment_generation"
	StageClipExtract      Stage = "clip_extraction"
	StageClipUpload       Stage = "clip_upload"
	StageRefinement       Stage = "moment_refinement"
)

// QwenStages runs against qwen-family models that operate on audio/transcript
// only; MinimaxStages additionally requires the video-native clip stages.
var QwenStages = []Stage{
	StageAudioExtract, StageAudioUpload, StageTranscribe,
	StageMomentGeneration, StageRefinement,
}

var MinimaxStages = []Stage{
	StageAudioExtract, StageAudioUpload, StageTranscribe,
	StageMomentGeneration, StageClipExtract, StageClipUpload, StageRefinement,
}

// StageStatus is the per-stage lifecycle state recorded on the run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusFailed    StageStatus = "failed"
)

// RunState is the overall pipeline run outcome.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStatePartial   RunState = "partial"
)

// PipelineType records which stage list a run was built from. It is distinct
// from RunState: a run can be PipelineTypeFull and still end in RunStatePartial.
type PipelineType string

const (
	PipelineTypeFull    PipelineType = "full"    // refinement model supports video: clip stages included
	PipelineTypePartial PipelineType = "partial" // refinement model is audio/transcript-only: clip stages skipped
)

// GenerationConfig mirrors the request body that selects a model and its
// sampling behaviour for a single pipeline run.
type GenerationConfig struct {
	Model            string  `json:"model"`
	ModelSupportsVideo bool  `json:"model_supports_video"`
	Prompt           string  `json:"prompt,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	TopK             int     `json:"top_k,omitempty"`
	ParallelWorkers  int     `json:"parallel_workers,omitempty"`
}

// SamplingParams carries the generation-call sampling knobs nested in a
// run's stream record (spec.md §6's `generation_params`).
type SamplingParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// RunConfig is the full per-run configuration carried on the stream record
// (spec.md §6): which models drive generation, transcription and refinement,
// moment bounds, and clip padding.
type RunConfig struct {
	GenerationModel     string         `json:"generation_model"`
	TranscriptionModel  string         `json:"transcription_model"`
	RefinementModel     string         `json:"refinement_model"`
	GenerationParams    SamplingParams `json:"generation_params,omitempty"`
	PaddingLeftSeconds  float64        `json:"padding_left_seconds"`
	PaddingRightSeconds float64        `json:"padding_right_seconds"`
	MinMoments          int            `json:"min_moments,omitempty"`
	MaxMoments          int            `json:"max_moments,omitempty"`
	MinMomentLength     float64        `json:"min_moment_length,omitempty"`
	MaxMomentLength     float64        `json:"max_moment_length,omitempty"`
}

// StageProgress captures the numeric counters the status endpoint reports for
// the stages that process many items (downloads, uploads, clips, refinement).
type StageProgress struct {
	Current    int64 `json:"current,omitempty"`
	Total      int64 `json:"total,omitempty"`
	Bytes      int64 `json:"bytes,omitempty"`
	TotalBytes int64 `json:"total_bytes,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
}

// StageRecord is the status snapshot for a single stage within a run.
type StageRecord struct {
	Status      StageStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	SkipReason  string      `json:"skip_reason,omitempty"`
	Error       string      `json:"error,omitempty"`
	Progress    StageProgress `json:"progress,omitempty"`
}

// PipelineRun is the full in-flight (or archived) state of one pipeline
// execution for one video.
type PipelineRun struct {
	VideoID      string                 `json:"video_id"`
	RequestID    string                 `json:"request_id"`
	PipelineType PipelineType           `json:"pipeline_type"`
	State        RunState               `json:"state"`
	CurrentStage Stage                  `json:"current_stage,omitempty"`
	Stages       map[Stage]*StageRecord `json:"stages"`
	Config       RunConfig              `json:"config"`
	ContainerID  string                 `json:"container_id,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  time.Time              `json:"completed_at,omitempty"`
	ErrorStage   string                 `json:"error_stage,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// TranscriptResult is the output of the transcription stage.
type TranscriptResult struct {
	VideoID  string  `json:"video_id"`
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// MomentCandidate is a single raw moment as produced by moment generation,
// prior to refinement.
type MomentCandidate struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Title     string  `json:"title,omitempty"`
}

// MomentRecord is a persisted moment, optionally refined from a parent
// candidate produced by moment generation.
type MomentRecord struct {
	ID         string  `json:"id"`
	VideoID    string  `json:"video_id"`
	ParentID   string  `json:"parent_id,omitempty"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary,omitempty"`
	IsRefined  bool    `json:"is_refined"`
}

// ClipRecord tracks one extracted/uploaded clip derived from a moment.
type ClipRecord struct {
	ID         string `json:"id"`
	MomentID   string `json:"moment_id"`
	VideoID    string `json:"video_id"`
	LocalPath  string `json:"local_path,omitempty"`
	RemoteURL  string `json:"remote_url,omitempty"`
	Uploaded   bool   `json:"uploaded"`
}

// ThumbnailRecord tracks a generated thumbnail image for a clip or video.
type ThumbnailRecord struct {
	ID        string `json:"id"`
	VideoID   string `json:"video_id"`
	ClipID    string `json:"clip_id,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
}
