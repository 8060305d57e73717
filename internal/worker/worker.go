package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
	"github.com/vmihailenco/msgpack/v5"
)

// Config controls the engine subprocess
type Config struct {
	Command              string
	Args                 []string
	ReadTimeout          time.Duration
	RGBLivenessThreshold float64
	IRLivenessThreshold  float64
}

// PythonWorker is an engine.Engine backed by a child process.
// Protocol: [uint32 length][msgpack body] on stdin, same framing back on FD 3.
// It is not safe for concurrent use; wrap it with engine.NewLocked.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

type request struct {
	Op       string            `msgpack:"op"`
	Frame    *types.Frame      `msgpack:"frame,omitempty"`
	Face     *types.Detection  `msgpack:"face,omitempty"`
	Mode     types.FeatureMode `msgpack:"mode"`
	Modality types.Modality    `msgpack:"modality"`
	Params   map[string]any    `msgpack:"params,omitempty"`
}

type response struct {
	Code     int               `msgpack:"code"`
	Error    string            `msgpack:"error"`
	Faces    []types.Detection `msgpack:"faces"`
	Feature  []float32         `msgpack:"feature"`
	Liveness int               `msgpack:"liveness"`
}

// NewPythonWorker starts the engine process and sends it the liveness thresholds.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}

	init := request{Op: "init", Params: map[string]any{
		"rgb_liveness_threshold": cfg.RGBLivenessThreshold,
		"ir_liveness_threshold":  cfg.IRLivenessThreshold,
	}}
	if _, err := pw.call(init); err != nil {
		pw.Close()
		return nil, fmt.Errorf("engine %d init failed: %w", id, err)
	}
	return pw, nil
}

// Communicate sends one framed message and returns the framed reply body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // the engine crashed or timed out
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) call(req request) (*response, error) {
	body, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}
	raw, err := w.Communicate(body)
	if err != nil {
		return nil, &engine.Error{Op: req.Op, Code: engine.CodeTransport, Err: err}
	}
	var resp response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, &engine.Error{Op: req.Op, Code: engine.CodeTransport, Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if resp.Code != 0 {
		e := &engine.Error{Op: req.Op, Code: engine.Code(resp.Code)}
		if resp.Error != "" {
			e.Err = fmt.Errorf("%s", resp.Error)
		}
		return nil, e
	}
	return &resp, nil
}

// Detect finds faces on frame. Gray frames come from the IR sensor and are
// flagged as such so the engine can pick its IR detector.
func (w *PythonWorker) Detect(frame types.Frame) ([]types.Detection, error) {
	req := request{Op: "detect", Frame: &frame, Modality: types.ModalityRGB}
	if frame.Format == types.FormatGray {
		req.Modality = types.ModalityIR
	}
	resp, err := w.call(req)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

func (w *PythonWorker) ExtractFeature(frame types.Frame, det types.Detection, mode types.FeatureMode) (types.Feature, error) {
	resp, err := w.call(request{Op: "feature", Frame: &frame, Face: &det, Mode: mode})
	if err != nil {
		return nil, err
	}
	if len(resp.Feature) == 0 {
		return nil, engine.NewError("feature", engine.CodeFaceUnqualified)
	}
	return types.Feature(resp.Feature), nil
}

func (w *PythonWorker) CheckLiveness(frame types.Frame, det types.Detection, modality types.Modality) (types.Liveness, error) {
	resp, err := w.call(request{Op: "liveness", Frame: &frame, Face: &det, Modality: modality})
	if err != nil {
		return types.LivenessUnknown, err
	}
	return types.Liveness(resp.Liveness), nil
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
