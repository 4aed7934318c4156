package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"

	"github.com/andresmejia3/watchlist/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegDecoder reads MJPEG frames from an ffmpeg image2pipe process.
type FFmpegDecoder struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	scanner *bufio.Scanner
	fps     float64
	index   int
}

// FFmpegOpener is the production Opener.
func FFmpegOpener(ctx context.Context, path string) (Decoder, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &StreamOpenError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &StreamOpenError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, &StreamOpenError{Path: path, Err: err}
	}

	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return nil, &StreamOpenError{Path: path, Err: err}
	}

	cmd := utils.NewFFmpegCmd(ctx, path)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StreamOpenError{Path: path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StreamOpenError{Path: path, Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	return newFFmpegDecoder(cmd, stdout, stderr, fps), nil
}

func newFFmpegDecoder(cmd *exec.Cmd, stdout io.ReadCloser, stderr *bytes.Buffer, fps float64) *FFmpegDecoder {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &FFmpegDecoder{cmd: cmd, stdout: stdout, stderr: stderr, scanner: scanner, fps: fps}
}

// Read decodes the next JPEG. The presentation timestamp is derived from the frame index and fps.
func (d *FFmpegDecoder) Read() (image.Image, float64, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, 0, fmt.Errorf("frame scanner failed: %w", err)
		}
		return nil, 0, io.EOF
	}

	img, err := jpeg.Decode(bytes.NewReader(d.scanner.Bytes()))
	if err != nil {
		return nil, 0, fmt.Errorf("decode jpeg frame %d: %w", d.index+1, err)
	}
	ts := 0.0
	if d.fps > 0 {
		ts = float64(d.index) * 1000.0 / d.fps
	}
	d.index++
	return img, ts, nil
}

// Close releases the pipe and waits for ffmpeg, surfacing its logs on failure.
func (d *FFmpegDecoder) Close() error {
	if d.stdout != nil {
		d.stdout.Close()
	}
	if d.cmd == nil {
		return nil
	}
	if err := d.cmd.Wait(); err != nil {
		if d.stderr != nil && d.stderr.Len() > 0 {
			return fmt.Errorf("ffmpeg execution failed: %w\n%s", err, d.stderr.String())
		}
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return nil
}
