// Package worker runs the face models in a Python process and speaks to it over pipes.
//
// Every message in either direction is framed as [uint32 length][payload], big endian.
// Requests go to the child's stdin:
//
//	[op byte][uint32 header length][JSON header][JPEG bytes]
//
// Responses come back on fd 3 so that library noise on stdout can't corrupt the stream:
//
//	[status 0][JSON body]
//	[status 1][uint32 length][message]
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/andresmejia3/watchlist/internal/detect"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/andresmejia3/watchlist/internal/utils" // Using the SafeCommand wrapper
)

// Op selects the model call.
type Op byte

const (
	OpDetect      Op = 1
	OpEncodeBoxes Op = 2
	OpEncodeImage Op = 3
)

func (o Op) String() string {
	switch o {
	case OpDetect:
		return "detect"
	case OpEncodeBoxes:
		return "encode_boxes"
	case OpEncodeImage:
		return "encode_image"
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against reading a garbage length after the child crashes mid-write.
	maxResponse = 64 << 20
)

// Config describes how to start the model process.
type Config struct {
	Python             string // defaults to python3
	Script             string
	ModelPath          string
	DetectionThreshold float64
	ReadTimeout        time.Duration // 0 disables the deadline
}

// PythonWorker is one model process. Calls are serialized.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu     sync.Mutex
	broken error
}

// NewPythonWorker starts the model process. It is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, "-u", cfg.Script,
		"--model", cfg.ModelPath,
		"--threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64),
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// ErrBroken is returned by every call after an exchange with the process failed.
// A timed out or half-read reply may still arrive on fd 3, so the stream can't be trusted.
var ErrBroken = errors.New("worker out of sync with its process")

// Communicate sends one framed payload and returns the framed reply. Any failure
// leaves the worker broken and kills the process.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, fmt.Errorf("worker %d: %w (after: %v)", w.ID, ErrBroken, w.broken)
	}
	resp, err := w.exchange(data)
	if err != nil {
		w.broken = err
		if w.Cmd != nil && w.Cmd.Process != nil {
			w.Cmd.Process.Kill()
		}
		return nil, err
	}
	return resp, nil
}

func (w *PythonWorker) exchange(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.Timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(w.Timeout)); err != nil {
			return nil, err
		}
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("worker %d: no response within %s: %w", w.ID, w.Timeout, err)
		}
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker %d: response length %d exceeds limit", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// call encodes img as JPEG, sends op with its header and decodes the JSON reply into out.
func (w *PythonWorker) call(ctx context.Context, op Op, header any, img image.Image, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := EncodeRequest(op, header, img)
	if err != nil {
		return err
	}

	w.mu.Lock()
	resp, err := w.Communicate(req)
	w.mu.Unlock()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("worker %d %s: %w", w.ID, op, err)
	}

	body, err := DecodeResponse(resp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("worker %d %s: bad response: %w", w.ID, op, err)
	}
	return nil
}

// EncodeRequest builds a request payload.
func EncodeRequest(op Op, header any, img image.Image) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal %s header: %w", op, err)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(byte(op))
	binary.Write(buf, binary.BigEndian, uint32(len(hdr)))
	buf.Write(hdr)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse strips the status byte, returning the JSON body or the worker's error.
func DecodeResponse(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from python worker")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		if len(resp) < 5 {
			return nil, errors.New("python worker error: truncated message")
		}
		n := binary.BigEndian.Uint32(resp[1:5])
		msg := resp[5:]
		if int(n) < len(msg) {
			msg = msg[:n]
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	return nil, fmt.Errorf("python worker returned unknown status %d", resp[0])
}

type boxesRequest struct {
	Boxes [][]int `json:"boxes"`
}

type detectResponse struct {
	Boxes []detect.RawBox `json:"boxes"`
}

type encodeResponse struct {
	Embeddings []types.Embedding `json:"embeddings"`
}

// Infer runs the detector on img. It satisfies detect.Detector.
func (w *PythonWorker) Infer(ctx context.Context, img image.Image) ([]detect.RawBox, error) {
	var resp detectResponse
	if err := w.call(ctx, OpDetect, struct{}{}, img, &resp); err != nil {
		return nil, err
	}
	return resp.Boxes, nil
}

// Encode returns the descriptor for the face inside box.
func (w *PythonWorker) Encode(ctx context.Context, img image.Image, box types.BoundingBox) (types.Embedding, error) {
	var resp encodeResponse
	if err := w.call(ctx, OpEncodeBoxes, boxesRequest{Boxes: [][]int{box.Loc()}}, img, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != 1 {
		return nil, fmt.Errorf("worker %d: expected 1 embedding, got %d", w.ID, len(resp.Embeddings))
	}
	return resp.Embeddings[0], nil
}

// EncodeWholeImage finds and encodes every face in img.
func (w *PythonWorker) EncodeWholeImage(ctx context.Context, img image.Image) ([]types.Embedding, error) {
	var resp encodeResponse
	if err := w.call(ctx, OpEncodeImage, struct{}{}, img, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Logs returns what the worker wrote to stderr so far.
func (w *PythonWorker) Logs() string {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}

// Close shuts the pipes and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
