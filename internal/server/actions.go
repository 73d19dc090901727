package server

import (
	"context"
	"errors"
	"fmt"

	"spectracam/internal/camera"
	"spectracam/internal/pipeline"
	"spectracam/internal/types"
)

var (
	ErrUnknownAction = errors.New("server: unknown action")
	ErrUnknownFormat = errors.New("server: unknown image format")
)

// actionRequest is the body of POST /actions/{action} and of websocket
// messages with type "action". Only the fields the action needs are read.
type actionRequest struct {
	Type            string                  `json:"type"`
	ID              string                  `json:"id,omitempty"`
	Action          string                  `json:"action"`
	Camera          string                  `json:"camera,omitempty"`
	Params          camera.Params           `json:"params"`
	WorkingDistance int                     `json:"working_distance"`
	Expression      string                  `json:"expression,omitempty"`
	Target          int                     `json:"target,omitempty"`
	Rect            types.Rect              `json:"rect"`
	Region          int                     `json:"region"`
	Preview         pipeline.PreviewOptions `json:"preview"`
}

type actionResult struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func resultFor(req actionRequest, data any, err error) actionResult {
	res := actionResult{Type: "result", ID: req.ID, Action: req.Action, OK: err == nil, Data: data}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// dispatch runs one engine operation. It blocks until the operation settles.
func (s *Server) dispatch(ctx context.Context, req actionRequest) (any, error) {
	e := s.engine
	switch req.Action {
	case "list_cameras":
		return e.ListCameras(ctx)
	case "connect":
		return nil, e.Connect(ctx, req.Camera)
	case "disconnect":
		return nil, e.Disconnect(ctx)
	case "load_params":
		return e.LoadParams(ctx)
	case "apply_params":
		return e.ApplyParams(ctx, req.Params)
	case "start_preview":
		return nil, e.StartPreview(ctx)
	case "stop_preview":
		return nil, e.StopPreview(ctx)
	case "preview_options":
		return nil, e.SetPreviewOptions(req.Preview)
	case "capture":
		return nil, e.Capture(ctx)
	case "tile":
		return nil, e.Tile(ctx, req.WorkingDistance)
	case "expression":
		return nil, e.ApplyExpression(ctx, req.Expression)
	case "normalize":
		if req.Target < 0 || req.Target > 255 {
			return nil, fmt.Errorf("server: target %d out of range", req.Target)
		}
		return nil, e.NormalizeAndStitch(ctx, byte(req.Target))
	case "add_region":
		return e.AddRegion(ctx, req.Rect)
	case "remove_region":
		return nil, e.RemoveRegion(ctx, req.Region)
	case "analyze":
		return e.AnalyzeRegions(ctx)
	case "calibrate":
		return e.CalibrateOffsets(ctx, req.Rect)
	case "reset_offsets":
		e.ResetOffsets(req.WorkingDistance)
		return nil, nil
	case "save":
		dir, err := e.SaveCapture(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"dir": dir}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
}
