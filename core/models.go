package core

import (
	"fmt"
	"time"
)

// ========== 视频与处理状态 ==========

// ProcessingStatus 视频处理状态
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Video 上传的视频，归属于唯一用户
type Video struct {
	ID            string           `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	FilePath      string           `json:"file_path"`
	Duration      *float64         `json:"duration,omitempty"`
	FileSize      *int64           `json:"file_size,omitempty"`
	Format        string           `json:"format,omitempty"`
	Resolution    string           `json:"resolution,omitempty"`
	Status        ProcessingStatus `json:"processing_status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// VideoSegment 按台词时间切出的视频片段文件
type VideoSegment struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"video_id"`
	StartTime   float64   `json:"start_time"`
	EndTime     float64   `json:"end_time"`
	SegmentPath string    `json:"segment_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transcript 一条带时间戳的台词记录，通过 VectorID 与向量索引关联
type Transcript struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"video_id"`
	StartTime    float64   `json:"start_time"`
	EndTime      float64   `json:"end_time"`
	Text         string    `json:"text"`
	VectorID     *string   `json:"vector_id,omitempty"`
	Confidence   *float64  `json:"confidence,omitempty"`
	SegmentIndex int       `json:"segment_index"`
	Embedding    []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ========== 处理流程中间结构 ==========

// ProbeInfo ffprobe 提取的容器/流信息
type ProbeInfo struct {
	Duration   float64 `json:"duration"`
	FileSize   int64   `json:"file_size"`
	Format     string  `json:"format"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	VideoCodec string  `json:"codec"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	HasAudio   bool    `json:"has_audio"`
}

// Resolution formats the frame size as "{w}x{h}".
func (p ProbeInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Word 单词级时间戳
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Utterance 语音识别输出的一个片段
type Utterance struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Words      []Word   `json:"words,omitempty"`
}

// IngestionResult is everything one successful run commits in a single transaction.
type IngestionResult struct {
	VideoID     string
	Probe       ProbeInfo
	Metadata    map[string]any
	Segments    []VideoSegment
	Transcripts []Transcript
}

// ========== 检索结构 ==========

// TranscriptMatch 检索时数据库返回的台词及其所属视频
type TranscriptMatch struct {
	Transcript Transcript
	Video      Video
}

// ThumbnailPath is derived from the video id; the file itself is produced elsewhere.
func ThumbnailPath(videoID string) string {
	return "/static/thumbnails/" + videoID + ".jpg"
}
