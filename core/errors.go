package core

import (
	"errors"
	"fmt"
)

// Stage names one step of an ingestion run.
type Stage string

const (
	StageLoad       Stage = "load"
	StageProbe      Stage = "probe"
	StageExtract    Stage = "extract_audio"
	StageTranscribe Stage = "transcribe"
	StageCut        Stage = "cut_segment"
	StageEmbed      Stage = "embed"
	StageIndex      Stage = "index"
	StageCommit     Stage = "commit"
)

// ProbeError 媒体信息探测失败
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("probe %s: %v", e.Path, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

// ExtractionError 音频提取失败
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract audio from %s: %v", e.Path, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// CutError 视频片段切分失败
type CutError struct {
	Start, End float64
	Err        error
}

func (e *CutError) Error() string {
	return fmt.Sprintf("cut segment [%.2f, %.2f]: %v", e.Start, e.End, e.Err)
}
func (e *CutError) Unwrap() error { return e.Err }

// TranscriptionError 语音识别失败或结果为空
type TranscriptionError struct {
	Path string
	Err  error
}

func (e *TranscriptionError) Error() string { return fmt.Sprintf("transcribe %s: %v", e.Path, e.Err) }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// EmbeddingError 文本向量化失败
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return fmt.Sprintf("embed text: %v", e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError 向量索引操作失败
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string { return fmt.Sprintf("vector index %s: %v", e.Op, e.Err) }
func (e *IndexError) Unwrap() error { return e.Err }

// ErrEmptyTranscription is wrapped by a TranscriptionError when the engine found no speech.
var ErrEmptyTranscription = errors.New("no speech segments recognized")

// StageOf classifies err into the stage that produced it.
// Unknown errors map to fallback.
func StageOf(err error, fallback Stage) Stage {
	var (
		probeErr   *ProbeError
		extractErr *ExtractionError
		cutErr     *CutError
		asrErr     *TranscriptionError
		embedErr   *EmbeddingError
		indexErr   *IndexError
	)
	switch {
	case errors.As(err, &probeErr):
		return StageProbe
	case errors.As(err, &extractErr):
		return StageExtract
	case errors.As(err, &asrErr):
		return StageTranscribe
	case errors.As(err, &cutErr):
		return StageCut
	case errors.As(err, &embedErr):
		return StageEmbed
	case errors.As(err, &indexErr):
		return StageIndex
	}
	return fallback
}

// Fatal reports whether a failure in stage ends the run.
func (s Stage) Fatal() bool {
	switch s {
	case StageCut, StageEmbed, StageIndex:
		return false
	}
	return true
}
