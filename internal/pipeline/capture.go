package pipeline

import (
	"context"
	"fmt"
	"time"

	"spectracam/internal/camera"
	"spectracam/internal/catalog"
	"spectracam/internal/frame"
	"spectracam/internal/output"
	"spectracam/internal/types"
	"spectracam/internal/workspace"
)

// Capture grabs one full frame into a fresh workspace and tiles it at the
// current working distance. While the preview runs the next preview frame is
// used; otherwise the stream is started just for this frame.
func (e *Engine) Capture(ctx context.Context) error {
	return e.runner.Run(ctx, Options{
		Name:         "capture",
		StartMessage: "Capturing",
		Timeout:      e.cfg.CaptureTimeout,
	}, func(ctx context.Context, op *Operation) error {
		f, err := e.grab(ctx)
		if err != nil {
			return err
		}
		ws := e.workspaces.Fresh()
		if err := ws.SetEntire(f); err != nil {
			return err
		}
		e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindEntire, Width: f.Width(), Height: f.Height(), Sequence: e.seq.Load()})
		op.ReportProgress(0.5, "Tiling")
		return e.tile(ctx, ws, ws.WorkingDistance(), op)
	})
}

func (e *Engine) grab(ctx context.Context) (*frame.Frame, error) {
	e.mu.Lock()
	st := e.preview
	e.mu.Unlock()

	if st != nil {
		if f, ok, err := e.grabFromPreview(ctx, st); ok {
			return f, err
		}
	}

	if !e.cam.Connected() {
		return nil, camera.ErrNotConnected
	}
	gen := e.producer.Start()
	if err := e.cam.StartStream(ctx, e.producer.Sink(gen)); err != nil {
		e.producer.Stop()
		return nil, err
	}
	f, err := e.producer.Next(ctx)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := e.cam.StopStream(stopCtx); stopErr != nil {
		e.logger.Warn("stop after capture failed", "err", stopErr)
	}
	e.producer.Stop()
	return f, err
}

// grabFromPreview asks the preview loop for its next frame. ok is false when
// the loop exited before taking the request.
func (e *Engine) grabFromPreview(ctx context.Context, st *previewState) (*frame.Frame, bool, error) {
	req := make(chan captureResult, 1)
	select {
	case e.captureReq <- req:
	case <-st.done:
		return nil, false, nil
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
	select {
	case res := <-req:
		return res.frame, true, res.err
	case <-ctx.Done():
		// the loop answers exactly once; drop the late frame
		go func() { (<-req).frame.Release() }()
		return nil, true, ctx.Err()
	}
}

// Tile re-crops the current capture at working distance wd.
func (e *Engine) Tile(ctx context.Context, wd int) error {
	return e.runner.Run(ctx, Options{Name: "tile", StartMessage: "Cropping tiles"},
		func(ctx context.Context, op *Operation) error {
			if !validDistance(wd) {
				return fmt.Errorf("%w: %d", ErrUnknownDistance, wd)
			}
			return e.tile(ctx, e.workspaces.Current(), wd, op)
		})
}

func (e *Engine) tile(ctx context.Context, ws *workspace.Workspace, wd int, op *Operation) error {
	if ws == nil {
		return workspace.ErrClosed
	}
	coords := e.cfg.Layout.CoordinatesFor(e.offsets.Offsets(wd))
	crops := make([]*frame.Frame, 0, len(coords))
	err := ws.View(func(v workspace.View) error {
		entire, err := v.Entire()
		if err != nil {
			return err
		}
		for i, r := range coords {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := frame.CropCopyOwned(entire, r)
			if err != nil {
				return fmt.Errorf("tile %d: %w", i, err)
			}
			crops = append(crops, c)
			op.ReportProgress(float64(i+1)/float64(len(coords)), "")
		}
		return nil
	})
	if err != nil {
		frame.ReleaseAll(crops)
		return err
	}

	ws.SetWorkingDistance(wd)
	// derived frames no longer match the new crops
	_ = ws.SetResult("", nil)
	_ = ws.SetStitched(nil)
	_ = ws.SetProcessed(nil)
	if err := ws.SetCrops(crops); err != nil {
		return err
	}
	e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindTile, Width: e.cfg.Layout.TileWidth, Height: e.cfg.Layout.TileHeight, Sequence: e.seq.Load()})
	return nil
}

// SaveCapture writes the current workspace as a capture set and returns its
// directory.
func (e *Engine) SaveCapture(ctx context.Context) (string, error) {
	var dir string
	err := e.runner.Run(ctx, Options{Name: "save-capture", StartMessage: "Saving capture"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			summary := ws.Summary()
			rows := regionRows(ws.Regions(), ws.Intensity())

			err := ws.View(func(v workspace.View) error {
				entire, err := v.Entire()
				if err != nil {
					return err
				}
				set := output.CaptureSet{
					Entire:    entire,
					Originals: v.Crops(),
					Processed: v.Processed(),
					Regions:   rows,
				}
				if stitched, err := v.Stitched(); err == nil {
					set.Stitched = stitched
				}
				op.ReportIndeterminate("Writing images")
				dir, err = output.WriteCaptureSet(e.cfg.OutputDir, time.Now(), set)
				return err
			})
			if err != nil {
				return err
			}

			if e.captures != nil {
				if _, err := e.captures.AddCapture(ctx, catalog.CaptureEntry{
					Dir:             dir,
					WorkingDistance: summary.WorkingDistance,
					Regions:         len(summary.Regions),
					Expression:      summary.Expression,
				}); err != nil {
					e.logger.Warn("capture index update failed", "dir", dir, "err", err)
				}
			}
			if e.onSaved != nil {
				e.onSaved(dir)
			}
			e.logger.Info("capture saved", "dir", dir)
			return nil
		})
	return dir, err
}

func regionRows(regions []workspace.Region, intensity map[int][]types.Intensity) []output.RegionRow {
	var rows []output.RegionRow
	for _, r := range regions {
		for _, in := range intensity[r.Index] {
			rows = append(rows, output.RegionRow{Region: r.Index, Rect: r.Rect, Intensity: in})
		}
	}
	return rows
}
