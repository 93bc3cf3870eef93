package video

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// WriteTestVideo renders a synthetic clip of the given length and frame rate
// using ffmpeg's lavfi test source. Tests in several packages share it.
func WriteTestVideo(ctx context.Context, path string, seconds, fps int) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc=duration=%d:size=160x120:rate=%d", seconds, fps),
		"-pix_fmt", "yuv420p", "-r", strconv.Itoa(fps), path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, out)
	}
	return nil
}
