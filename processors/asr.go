package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/utils"
)

// Transcriber 语音识别
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error)
}

// NewTranscriber 根据配置选择语音识别实现
func NewTranscriber(cfg config.ASRConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalWhisperASR(cfg, logger), nil
	case "openai":
		return NewOpenAIWhisperASR(cfg, nil), nil
	default:
		return nil, fmt.Errorf("unknown asr provider: %s", cfg.Provider)
	}
}

// confidenceFromLogprob maps an average token log-probability to [0,1].
func confidenceFromLogprob(avg float64) *float64 {
	if math.IsNaN(avg) || math.IsInf(avg, 0) {
		return nil
	}
	c := math.Exp(avg)
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return &c
}

// finishUtterances trims text, drops empty segments and enforces the empty-result rule.
func finishUtterances(audioPath string, in []core.Utterance) ([]core.Utterance, error) {
	out := make([]core.Utterance, 0, len(in))
	for _, u := range in {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" {
			continue
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, &core.TranscriptionError{Path: audioPath, Err: core.ErrEmptyTranscription}
	}
	return out, nil
}

// ---------------- local faster-whisper ----------------

// LocalWhisperASR 调用 scripts 目录中的 faster-whisper 脚本
type LocalWhisperASR struct {
	python   string
	script   string
	model    string
	language string
	beamSize int
	device   string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLocalWhisperASR 创建本地 Whisper 识别器
func NewLocalWhisperASR(cfg config.ASRConfig, logger *slog.Logger) *LocalWhisperASR {
	if logger == nil {
		logger = slog.Default()
	}
	beam := cfg.BeamSize
	if beam <= 0 {
		beam = 5
	}
	return &LocalWhisperASR{
		python:   cfg.Python,
		script:   cfg.Script,
		model:    cfg.Model,
		language: cfg.Language,
		beamSize: beam,
		device:   cfg.Device,
		timeout:  time.Duration(cfg.TimeoutS) * time.Second,
		logger:   logger,
	}
}

type whisperScriptSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogprob *float64 `json:"avg_logprob"`
	Words      []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
}

// Args 构建脚本参数
func (l *LocalWhisperASR) Args(audioPath string) []string {
	return []string{l.script,
		"--model", l.model,
		"--language", l.language,
		"--beam-size", strconv.Itoa(l.beamSize),
		"--device", l.device,
		"--word-timestamps",
		"--vad-filter",
		audioPath,
	}
}

func (l *LocalWhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := utils.RunCommand(ctx, l.python, l.Args(audioPath)...)
	if err != nil {
		return nil, &core.TranscriptionError{Path: audioPath, Err: fmt.Errorf("local whisper: %w", err)}
	}
	utterances, err := parseWhisperScriptOutput(audioPath, out)
	if err != nil {
		return nil, err
	}
	l.logger.Info("local whisper finished", "audio", audioPath, "segments", len(utterances), "elapsed", time.Since(start))
	return utterances, nil
}

func parseWhisperScriptOutput(audioPath string, out []byte) ([]core.Utterance, error) {
	var segments []whisperScriptSegment
	if err := json.Unmarshal(out, &segments); err != nil {
		return nil, &core.TranscriptionError{Path: audioPath, Err: fmt.Errorf("parse whisper output: %w", err)}
	}
	utterances := make([]core.Utterance, 0, len(segments))
	for _, seg := range segments {
		u := core.Utterance{Start: seg.Start, End: seg.End, Text: seg.Text}
		if seg.AvgLogprob != nil {
			u.Confidence = confidenceFromLogprob(*seg.AvgLogprob)
		}
		for _, w := range seg.Words {
			u.Words = append(u.Words, core.Word{Word: w.Word, Start: w.Start, End: w.End})
		}
		utterances = append(utterances, u)
	}
	return finishUtterances(audioPath, utterances)
}

// ---------------- OpenAI-compatible transcription API ----------------

// OpenAIWhisperASR 通过 OpenAI 兼容接口转写
type OpenAIWhisperASR struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAIWhisperASR 创建托管转写客户端；httpClient 为空时使用默认客户端
func NewOpenAIWhisperASR(cfg config.ASRConfig, httpClient *http.Client) *OpenAIWhisperASR {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.APIModel
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIWhisperASR{client: openai.NewClientWithConfig(oc), model: model, language: cfg.Language}
}

func (o *OpenAIWhisperASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Language: o.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	})
	if err != nil {
		return nil, &core.TranscriptionError{Path: audioPath, Err: fmt.Errorf("transcription api: %w", err)}
	}

	utterances := make([]core.Utterance, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		utterances = append(utterances, core.Utterance{
			Start:      seg.Start,
			End:        seg.End,
			Text:       seg.Text,
			Confidence: confidenceFromLogprob(seg.AvgLogprob),
		})
	}
	// 单词级时间戳在响应中是平铺的，按时间归属到所在片段
	w := 0
	for i := range utterances {
		for w < len(resp.Words) && resp.Words[w].Start < utterances[i].End {
			if resp.Words[w].Start >= utterances[i].Start {
				word := resp.Words[w]
				utterances[i].Words = append(utterances[i].Words, core.Word{Word: word.Word, Start: word.Start, End: word.End})
			}
			w++
		}
	}
	return finishUtterances(audioPath, utterances)
}
