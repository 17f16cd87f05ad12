package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// NewID 生成唯一ID
func NewID() string {
	return uuid.NewString()
}

// HardwareAccelArgs 获取硬件解码参数，未知类型返回空（CPU）
func HardwareAccelArgs(gpuType string) []string {
	switch strings.ToLower(gpuType) {
	case "nvidia", "cuda":
		return []string{"-hwaccel", "cuda"}
	case "amd", "opencl":
		return []string{"-hwaccel", "opencl"}
	case "intel", "qsv":
		return []string{"-hwaccel", "qsv"}
	case "vaapi":
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case "videotoolbox":
		if runtime.GOOS == "darwin" {
			return []string{"-hwaccel", "videotoolbox"}
		}
	}
	return nil
}

// CommandError carries the tail of a failed external command's output.
type CommandError struct {
	Name   string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	out := e.Output
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Name, e.Err, strings.TrimSpace(out))
}

func (e *CommandError) Unwrap() error { return e.Err }

// RunCommand 执行外部命令，返回标准输出；失败时带上标准错误
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &CommandError{Name: filepath.Base(name), Err: err, Output: stderr.String()}
	}
	return stdout.Bytes(), nil
}

// RunFFmpeg 执行FFmpeg命令
func RunFFmpeg(ctx context.Context, ffmpeg string, args []string) error {
	_, err := RunCommand(ctx, ffmpeg, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	return err
}

// DetectGPUType asks ffmpeg which hardware decoders it was built with and
// returns the first usable family, or "cpu".
func DetectGPUType(ctx context.Context, ffmpeg string) string {
	out, err := RunCommand(ctx, ffmpeg, "-hide_banner", "-hwaccels")
	if err != nil {
		return "cpu"
	}
	available := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		available[strings.TrimSpace(line)] = true
	}

	// 检测NVIDIA GPU
	if available["cuda"] {
		if _, err := exec.LookPath("nvidia-smi"); err == nil {
			return "nvidia"
		}
	}
	if runtime.GOOS == "darwin" && available["videotoolbox"] {
		return "videotoolbox"
	}
	if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
		if available["qsv"] {
			return "intel"
		}
		if available["vaapi"] {
			return "vaapi"
		}
	}
	return "cpu"
}

// EnsureDir 确保目录存在
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
