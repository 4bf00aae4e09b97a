package camera

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
)

// VideoWriter receives decoded BGR24 frames and persists them into a
// video container.
type VideoWriter interface {
	// Open prepares the container. fps is the header rate written into
	// the file, already defaulted by the caller for unpaced capture.
	Open(path string, width, height int, fps float64) error

	// WriteFrame appends one BGR24 frame of the opened geometry.
	WriteFrame(frame []byte) error

	// Close finalizes the container and reports totals.
	Close() (bytesWritten, framesWritten int64, err error)
}

// WriterFactory builds one writer per recording.
type WriterFactory func() VideoWriter

// FFmpegWriter pipes raw frames into an ffmpeg child process that
// encodes and muxes them. Encoding stays out of process so a codec
// crash cannot take the coordinator down.
type FFmpegWriter struct {
	codec   string
	quality int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	bytes  int64
	frames int64
	logger *slog.Logger
}

// NewFFmpegWriter returns a factory producing writers with the camera's
// codec and quality settings.
func NewFFmpegWriter(codec string, quality int) WriterFactory {
	return func() VideoWriter {
		return &FFmpegWriter{
			codec:   codec,
			quality: quality,
			logger:  slog.Default().With("component", "writer"),
		}
	}
}

// encoderArgs maps the configured fourcc-style codec name and 0-100
// quality onto an ffmpeg encoder and its quality flag. The names come
// from camera configs; ffmpeg has no encoder called "mp4v".
func encoderArgs(codec string, quality int) []string {
	if quality < 1 || quality > 100 {
		quality = 95
	}
	switch codec {
	case "mp4v", "mpeg4", "xvid", "divx":
		// mpeg4 quantizer scale runs 1 (best) to 31 (worst).
		q := 1 + (100-quality)*30/100
		return []string{"-c:v", "mpeg4", "-q:v", strconv.Itoa(q)}
	default:
		// libx264 CRF runs 0 (lossless) to 51 (worst).
		crf := (100 - quality) * 51 / 100
		return []string{"-c:v", "libx264", "-crf", strconv.Itoa(crf)}
	}
}

// Open implements VideoWriter.
func (w *FFmpegWriter) Open(path string, width, height int, fps float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		return fmt.Errorf("writer already open")
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
	}
	args = append(args, encoderArgs(w.codec, w.quality)...)
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", path,
	)

	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.logger.Info("Encoder started", "path", path, "codec", w.codec, "fps", fps)
	return nil
}

// WriteFrame implements VideoWriter.
func (w *FFmpegWriter) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin == nil {
		return fmt.Errorf("writer not open")
	}
	n, err := w.stdin.Write(frame)
	w.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.frames++
	return nil
}

// Close implements VideoWriter. Closing stdin lets ffmpeg flush and
// finalize the container before exiting.
func (w *FFmpegWriter) Close() (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil {
		return w.bytes, w.frames, nil
	}

	closeErr := w.stdin.Close()
	waitErr := w.cmd.Wait()
	w.cmd = nil
	w.stdin = nil

	if closeErr != nil {
		return w.bytes, w.frames, fmt.Errorf("failed to close encoder input: %w", closeErr)
	}
	if waitErr != nil {
		return w.bytes, w.frames, fmt.Errorf("encoder exited with error: %w", waitErr)
	}
	return w.bytes, w.frames, nil
}
