// Package status tracks the live state of pipeline runs in Redis (one hash
// per active video) and, through history.go, archives completed runs into a
// bounded per-video history. It mirrors the field set the original status
// tracker exposed to its status endpoint: per-stage timestamps and skip
// reasons, plus the numeric progress counters for the stages that process
// many items.
package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

func activeKey(videoID string) string { return fmt.Sprintf("pipeline:%s:active", videoID) }

// Tracker reads and writes the live status hash for a video's active run.
type Tracker struct {
	client *store.Client
}

// New creates a Tracker.
func New(client *store.Client) *Tracker {
	return &Tracker{client: client}
}

// Initialize writes the starting status hash for a newly-acquired run.
func (t *Tracker) Initialize(ctx context.Context, run *pipeline.PipelineRun) error {
	fields := map[string]interface{}{
		"video_id":      run.VideoID,
		"request_id":    run.RequestID,
		"pipeline_type": string(run.PipelineType),
		"status":        string(run.State),
		"generation_model": run.Config.GenerationModel,
		"transcription_model": run.Config.TranscriptionModel,
		"refinement_model": run.Config.RefinementModel,
		"started_at":    formatTime(run.StartedAt),
		"container_id":  run.ContainerID,
	}
	for stage := range run.Stages {
		fields[string(stage)+"_status"] = string(pipeline.StageStatusPending)
	}
	return t.client.HashSet(ctx, activeKey(run.VideoID), fields)
}

// MarkStageStarted records a stage transition to running.
func (t *Tracker) MarkStageStarted(ctx context.Context, videoID string, stage pipeline.Stage) error {
	return t.client.HashSet(ctx, activeKey(videoID), map[string]interface{}{
		"current_stage":             string(stage),
		string(stage) + "_status":    string(pipeline.StageStatusRunning),
		string(stage) + "_started_at": formatTime(time.Now()),
	})
}

// MarkStageCompleted records a stage transition to completed.
func (t *Tracker) MarkStageCompleted(ctx context.Context, videoID string, stage pipeline.Stage) error {
	return t.client.HashSet(ctx, activeKey(videoID), map[string]interface{}{
		string(stage) + "_status":      string(pipeline.StageStatusCompleted),
		string(stage) + "_completed_at": formatTime(time.Now()),
	})
}

// MarkStageSkipped records a stage as skipped along with the reason.
func (t *Tracker) MarkStageSkipped(ctx context.Context, videoID string, stage pipeline.Stage, reason string) error {
	return t.client.HashSet(ctx, activeKey(videoID), map[string]interface{}{
		string(stage) + "_status":      string(pipeline.StageStatusSkipped),
		string(stage) + "_skip_reason": reason,
	})
}

// MarkStageFailed records a stage failure and its error message.
func (t *Tracker) MarkStageFailed(ctx context.Context, videoID string, stage pipeline.Stage, stageErr error) error {
	return t.client.HashSet(ctx, activeKey(videoID), map[string]interface{}{
		string(stage) + "_status": string(pipeline.StageStatusFailed),
		"error_stage":             string(stage),
		"error_message":           stageErr.Error(),
	})
}

// UpdateRunState updates the overall run state, stamping completed_at when
// the state is terminal.
func (t *Tracker) UpdateRunState(ctx context.Context, videoID string, state pipeline.RunState) error {
	fields := map[string]interface{}{"status": string(state)}
	switch state {
	case pipeline.RunStateCompleted, pipeline.RunStateFailed, pipeline.RunStateCancelled, pipeline.RunStatePartial:
		fields["completed_at"] = formatTime(time.Now())
	}
	return t.client.HashSet(ctx, activeKey(videoID), fields)
}

// UpdateProgress records one of the numeric progress counters (download
// bytes, clip counts, refinement counts, ...) for a stage.
func (t *Tracker) UpdateProgress(ctx context.Context, videoID string, stage pipeline.Stage, p pipeline.StageProgress) error {
	fields := map[string]interface{}{}
	prefix := string(stage) + "_"
	if p.Current != 0 {
		fields[prefix+"current"] = p.Current
	}
	if p.Total != 0 {
		fields[prefix+"total"] = p.Total
	}
	if p.Bytes != 0 {
		fields[prefix+"bytes"] = p.Bytes
	}
	if p.TotalBytes != 0 {
		fields[prefix+"total_bytes"] = p.TotalBytes
	}
	if p.Percentage != 0 {
		fields[prefix+"percentage"] = fmt.Sprintf("%.2f", p.Percentage)
	}
	return t.client.HashSet(ctx, activeKey(videoID), fields)
}

// Get reads the raw status hash for a video's active run, or nil if none is
// active.
func (t *Tracker) Get(ctx context.Context, videoID string) (map[string]string, error) {
	data, err := t.client.HashGetAll(ctx, activeKey(videoID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Delete removes the active status hash, used once a run has been archived.
func (t *Tracker) Delete(ctx context.Context, videoID string) error {
	return t.client.Delete(ctx, activeKey(videoID))
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
