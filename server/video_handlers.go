package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/storage"
	"videoSearch/utils"
)

// AllowedExtensions 可上传的视频扩展名
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

// VideoHandlers 视频上传与管理
type VideoHandlers struct {
	store      storage.Store
	dispatcher core.Dispatcher
	videoDir   string
	segmentDir string
	maxUpload  int64
	logger     *slog.Logger
}

// NewVideoHandlers 创建视频处理器
func NewVideoHandlers(store storage.Store, dispatcher core.Dispatcher, videoDir, segmentDir string, maxUpload int64, logger *slog.Logger) *VideoHandlers {
	return &VideoHandlers{
		store:      store,
		dispatcher: dispatcher,
		videoDir:   videoDir,
		segmentDir: segmentDir,
		maxUpload:  maxUpload,
		logger:     logger,
	}
}

// VideoDetail 视频详情，包含已切出的片段
type VideoDetail struct {
	core.Video
	Segments []core.VideoSegment `json:"segments"`
}

// UploadHandler stores the file, creates a PENDING video and hands it to ingestion.
func (h *VideoHandlers) UploadHandler(c *gin.Context) {
	userID, _ := currentUser(c)
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	file, err := c.FormFile("video_file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "video_file is required"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !AllowedExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type " + ext})
		return
	}

	id := utils.NewID()
	dst := filepath.Join(h.videoDir, id+ext)
	if err := utils.EnsureDir(h.videoDir); err != nil {
		h.logger.Error("create video dir", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}
	if err := c.SaveUploadedFile(file, dst); err != nil {
		h.logger.Error("save upload", "video_id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	video := &core.Video{
		ID:          id,
		OwnerID:     userID,
		Title:       title,
		Description: strings.TrimSpace(c.PostForm("description")),
		FilePath:    dst,
		Status:      core.StatusPending,
	}
	ctx := c.Request.Context()
	if err := h.store.CreateVideo(ctx, video); err != nil {
		os.Remove(dst)
		h.logger.Error("create video", "video_id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create video"})
		return
	}

	if err := h.dispatcher.Dispatch(context.WithoutCancel(ctx), id); err != nil {
		h.logger.Error("dispatch ingestion", "video_id", id, "err", err)
		if err := h.store.MarkFailed(ctx, id, processors.ReasonDispatch); err != nil {
			h.logger.Error("mark failed", "video_id", id, "err", err)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion queue unavailable", "video_id": id})
		return
	}
	h.logger.Info("video uploaded", "video_id", id, "owner_id", userID, "size", file.Size)
	c.JSON(http.StatusCreated, video)
}

// ListHandler lists the caller's videos, newest first.
func (h *VideoHandlers) ListHandler(c *gin.Context) {
	userID, _ := currentUser(c)
	skip, limit := pageParams(c)
	videos, err := h.store.ListVideos(c.Request.Context(), userID, skip, limit)
	if err != nil {
		h.logger.Error("list videos", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list videos"})
		return
	}
	c.JSON(http.StatusOK, videos)
}

// GetHandler 视频详情
func (h *VideoHandlers) GetHandler(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}
	segments, err := h.store.ListSegments(c.Request.Context(), video.ID)
	if err != nil {
		h.logger.Error("list segments", "video_id", video.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load segments"})
		return
	}
	c.JSON(http.StatusOK, VideoDetail{Video: *video, Segments: segments})
}

// DeleteHandler removes the video, its rows and its files. Index entries stay
// behind as orphans that retrieval ignores.
func (h *VideoHandlers) DeleteHandler(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}
	if err := h.store.DeleteVideo(c.Request.Context(), video.ID); err != nil {
		h.logger.Error("delete video", "video_id", video.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete video"})
		return
	}
	if err := os.Remove(video.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("remove video file", "video_id", video.ID, "err", err)
	}
	if h.segmentDir != "" {
		os.RemoveAll(filepath.Join(h.segmentDir, video.ID))
	}
	c.Status(http.StatusNoContent)
}

// TranscriptsHandler pages through a video's transcripts in time order.
func (h *VideoHandlers) TranscriptsHandler(c *gin.Context) {
	video, ok := h.authorizedVideo(c)
	if !ok {
		return
	}
	skip, limit := pageParams(c)
	transcripts, err := h.store.ListTranscripts(c.Request.Context(), video.ID, skip, limit)
	if err != nil {
		h.logger.Error("list transcripts", "video_id", video.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transcripts"})
		return
	}
	c.JSON(http.StatusOK, transcripts)
}

// authorizedVideo loads :id and checks the caller owns it or is a superuser.
func (h *VideoHandlers) authorizedVideo(c *gin.Context) (*core.Video, bool) {
	userID, super := currentUser(c)
	video, err := h.store.GetVideo(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("get video", "video_id", c.Param("id"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load video"})
		return nil, false
	}
	if video.OwnerID != userID && !super {
		c.JSON(http.StatusForbidden, gin.H{"error": "not enough permissions"})
		return nil, false
	}
	return video, true
}

func pageParams(c *gin.Context) (int, int) {
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	return skip, limit
}
