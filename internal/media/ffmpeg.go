package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FFmpeg shells out to yt-dlp for download and ffmpeg/ffprobe for
// extraction, the same subprocess pairing original_source uses. TempDir
// defaults to os.TempDir() when empty.
type FFmpeg struct {
	TempDir string
}

// NewFFmpeg creates an FFmpeg transcoder rooted at tempDir.
func NewFFmpeg(tempDir string) *FFmpeg {
	return &FFmpeg{TempDir: tempDir}
}

func (f *FFmpeg) tempPath(prefix, ext string) string {
	dir := f.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, uuid.New().String(), ext))
}

func (f *FFmpeg) Download(ctx context.Context, sourceURL string) (string, Metadata, error) {
	out := f.tempPath("reelpipe-src", ".mp4")
	cmd := exec.CommandContext(ctx, "yt-dlp", "-f", "bestvideo+bestaudio/best", "-o", out, sourceURL)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", Metadata{}, fmt.Errorf("download %s: %w (%s)", sourceURL, err, output)
	}
	meta, err := f.probe(ctx, out)
	if err != nil {
		return "", Metadata{}, err
	}
	return out, meta, nil
}

func (f *FFmpeg) ExtractAudio(ctx context.Context, localPath string) (string, error) {
	out := f.tempPath("reelpipe-audio", ".wav")
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", localPath, "-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("extract audio from %s: %w (%s)", localPath, err, output)
	}
	return out, nil
}

func (f *FFmpeg) ExtractClip(ctx context.Context, localPath string, clip Clip) (string, error) {
	out := f.tempPath(fmt.Sprintf("reelpipe-clip-%s", clip.MomentID), ".mp4")
	duration := clip.End - clip.Start
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-ss", formatSeconds(clip.Start),
		"-i", localPath,
		"-t", formatSeconds(duration),
		"-c", "copy", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("extract clip %s [%s,%s]: %w (%s)", clip.MomentID, clip.Start, clip.End, err, output)
	}
	return out, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

func (f *FFmpeg) probe(ctx context.Context, localPath string) (Metadata, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-print_format", "json", "-show_format", "-show_streams", localPath)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return Metadata{}, fmt.Errorf("probe %s: %w", localPath, err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output for %s: %w", localPath, err)
	}

	meta := Metadata{}
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		meta.DurationSeconds = d
	}
	if b, err := strconv.ParseInt(parsed.Format.Size, 10, 64); err == nil {
		meta.Bytes = b
	}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			meta.VideoCodec = s.CodecName
			meta.Width = s.Width
			meta.Height = s.Height
			meta.FPS = parseFrameRate(s.RFrameRate)
		case "audio":
			meta.AudioCodec = s.CodecName
		}
	}
	return meta, nil
}

func parseFrameRate(rate string) float64 {
	var num, den float64
	if n, err := fmt.Sscanf(rate, "%f/%f", &num, &den); err == nil && n == 2 && den != 0 {
		return num / den
	}
	return 0
}
