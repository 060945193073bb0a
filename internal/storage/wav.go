package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ffmpegAvailable caches whether ffmpeg is in PATH (checked once at startup).
var ffmpegAvailable *bool

// CheckFFmpeg checks if ffmpeg is available in PATH. Call once at startup.
func CheckFFmpeg() bool {
	if ffmpegAvailable != nil {
		return *ffmpegAvailable
	}
	_, err := exec.LookPath("ffmpeg")
	avail := err == nil
	ffmpegAvailable = &avail
	return avail
}

// EnsureWAV transcodes media to 16kHz mono WAV in the job's temp directory,
// which is what local ASR weights expect. Already-WAV inputs are passed
// through untouched. If ffmpeg is unavailable, the original path is
// returned and the engine gets whatever the user uploaded.
//
// The output lives under tempDir, so Cleanup removes it with the rest of
// the job's scratch files.
func EnsureWAV(ctx context.Context, inputPath, tempDir string) (string, error) {
	if strings.EqualFold(filepath.Ext(inputPath), ".wav") {
		return inputPath, nil
	}
	if !CheckFFmpeg() {
		return inputPath, nil
	}

	outPath := filepath.Join(tempDir, "staged.wav")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-ar", "16000",
		"-ac", "1",
		"-f", "wav",
		outPath,
	)
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg transcode: %w", err)
	}
	return outPath, nil
}
