package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// FrameCallback is called for each extracted JPEG frame.
type FrameCallback func(jpeg []byte) error

// Source produces JPEG frames from a camera until ctx is cancelled or the
// stream ends.
type Source interface {
	Stream(ctx context.Context, url string, fps, width int, emit FrameCallback) error
}

// FFmpeg extracts JPEG frames with the ffmpeg binary. URLs may be RTSP,
// HTTP, a V4L2 device path or anything else ffmpeg accepts as input.
type FFmpeg struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

func (f FFmpeg) Stream(ctx context.Context, url string, fps, width int, emit FrameCallback) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(runCtx, bin, ffmpegArgs(url, fps, width)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "url", url, "output", scanner.Text())
		}
	}()

	readErr := readJPEGFrames(runCtx, stdout, emit)
	cancel()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case readErr != nil:
		return fmt.Errorf("read frames: %w", readErr)
	case waitErr != nil:
		return fmt.Errorf("ffmpeg exited: %w", waitErr)
	}
	return nil
}

func ffmpegArgs(url string, fps, width int) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}

	switch {
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-timeout", "5000000", // microseconds
		)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		)
	case strings.HasPrefix(url, "/dev/video"):
		args = append(args, "-f", "v4l2")
	}

	return append(args,
		"-i", url,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1", fps, width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

const maxFrameBytes = 10 << 20

var errNoFrames = errors.New("no frames received")

// readJPEGFrames splits a stream of concatenated JPEG images. An early EOF is
// tolerated for up to 5s while ffmpeg connects.
func readJPEGFrames(ctx context.Context, r io.Reader, emit FrameCallback) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0
	const maxStartupRetries = 50
	startupRetries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := findJPEGStart(reader)
		if errors.Is(err, io.EOF) {
			if framesRead > 0 {
				return nil
			}
			if startupRetries >= maxStartupRetries {
				return fmt.Errorf("%w (waited %.1fs)", errNoFrames, float64(startupRetries)*0.1)
			}
			startupRetries++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return err
		}

		frame, err := readUntilJPEGEnd(reader)
		if err != nil {
			if errors.Is(err, io.EOF) && framesRead > 0 {
				return nil
			}
			return err
		}

		framesRead++
		if err := emit(frame); err != nil {
			slog.Warn("frame callback error", "error", err)
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}
		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("jpeg frame exceeds %d bytes", maxFrameBytes)
		}
	}
}
