package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/utils"
)

// Prober 媒体信息探测
type Prober interface {
	Probe(ctx context.Context, path string) (core.ProbeInfo, error)
}

// AudioExtractor 提取单声道 16kHz PCM 音频
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
}

// Cutter 按时间切出视频片段（不重新编码）
type Cutter interface {
	Cut(ctx context.Context, videoPath string, start, end float64, outPath string) error
}

// FFmpegTools implements Prober, AudioExtractor and Cutter with the ffmpeg CLI tools.
type FFmpegTools struct {
	ffmpeg  string
	ffprobe string
	gpu     bool
	gpuType string
	logger  *slog.Logger

	detectOnce sync.Once
	detected   string
}

// NewFFmpegTools 根据配置创建 ffmpeg 工具集
func NewFFmpegTools(cfg config.MediaConfig, logger *slog.Logger) *FFmpegTools {
	if logger == nil {
		logger = slog.Default()
	}
	ffmpeg, ffprobe := cfg.FFmpegPath, cfg.FFprobePath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &FFmpegTools{
		ffmpeg:  ffmpeg,
		ffprobe: ffprobe,
		gpu:     cfg.GPUAcceleration,
		gpuType: cfg.GPUType,
		logger:  logger,
	}
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe and requires at least one video stream.
func (f *FFmpegTools) Probe(ctx context.Context, path string) (core.ProbeInfo, error) {
	out, err := utils.RunCommand(ctx, f.ffprobe, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path)
	if err != nil {
		return core.ProbeInfo{}, &core.ProbeError{Path: path, Err: err}
	}
	return parseProbe(path, out)
}

func parseProbe(path string, out []byte) (core.ProbeInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return core.ProbeInfo{}, &core.ProbeError{Path: path, Err: fmt.Errorf("parse ffprobe output: %w", err)}
	}

	info := core.ProbeInfo{Format: probe.Format.FormatName}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if n, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
		info.FileSize = n
	}

	hasVideo := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.VideoCodec = stream.CodecName
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = stream.CodecName
			}
		}
	}
	if !hasVideo {
		return core.ProbeInfo{}, &core.ProbeError{Path: path, Err: errors.New("no video stream")}
	}
	return info, nil
}

func (f *FFmpegTools) accelType(ctx context.Context) string {
	if !f.gpu {
		return "cpu"
	}
	if f.gpuType != "" && f.gpuType != "auto" {
		return f.gpuType
	}
	f.detectOnce.Do(func() {
		f.detected = utils.DetectGPUType(ctx, f.ffmpeg)
		f.logger.Info("detected hardware decoder", "gpu_type", f.detected)
	})
	return f.detected
}

// ExtractAudio writes mono 16 kHz signed 16-bit PCM WAV to outPath. When
// hardware decoding is enabled and fails, it retries once on the CPU.
func (f *FFmpegTools) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	tail := []string{"-i", videoPath, "-vn", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000", "-f", "wav", outPath}

	if hw := utils.HardwareAccelArgs(f.accelType(ctx)); len(hw) > 0 {
		args := append(append([]string{"-y"}, hw...), tail...)
		err := utils.RunFFmpeg(ctx, f.ffmpeg, args)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &core.ExtractionError{Path: videoPath, Err: err}
		}
		f.logger.Warn("hardware audio extraction failed, retrying on cpu", "path", videoPath, "err", err)
	}

	if err := utils.RunFFmpeg(ctx, f.ffmpeg, append([]string{"-y"}, tail...)); err != nil {
		return &core.ExtractionError{Path: videoPath, Err: err}
	}
	return nil
}

// Cut copies [start, end] of videoPath into outPath without re-encoding.
func (f *FFmpegTools) Cut(ctx context.Context, videoPath string, start, end float64, outPath string) error {
	if end <= start {
		return &core.CutError{Start: start, End: end, Err: errors.New("end must be after start")}
	}
	if err := utils.EnsureDir(filepath.Dir(outPath)); err != nil {
		return &core.CutError{Start: start, End: end, Err: err}
	}
	args := []string{"-y",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", videoPath,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		outPath,
	}
	if err := utils.RunFFmpeg(ctx, f.ffmpeg, args); err != nil {
		os.Remove(outPath)
		return &core.CutError{Start: start, End: end, Err: err}
	}
	return nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// SegmentFileName 片段文件名，扩展名沿用源文件
func SegmentFileName(videoID string, index int, sourcePath string) string {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("%s_segment_%04d%s", videoID, index, ext)
}
