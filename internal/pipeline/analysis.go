package pipeline

import (
	"context"
	"fmt"

	"spectracam/internal/calc"
	"spectracam/internal/frame"
	"spectracam/internal/processing"
	"spectracam/internal/tiles"
	"spectracam/internal/types"
	"spectracam/internal/workspace"
)

// ApplyExpression evaluates expr over the current tiles, where integer
// operands name wavelengths, and stores the result in the workspace.
func (e *Engine) ApplyExpression(ctx context.Context, expr string) error {
	return e.runner.Run(ctx, Options{Name: "apply-expression", StartMessage: "Evaluating " + expr, FailureMessage: "expression failed"},
		func(ctx context.Context, op *Operation) error {
			x, err := calc.Compile(expr)
			if err != nil {
				return err
			}
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			var result *frame.Frame
			err = ws.View(func(v workspace.View) error {
				lookup := func(wavelength int) (*frame.Frame, bool) {
					idx, ok := tiles.TileIndex(wavelength)
					if !ok {
						return nil, false
					}
					f, err := v.Crop(idx)
					return f, err == nil
				}
				var err error
				result, err = e.evaluator.Run(x, lookup)
				return err
			})
			if err != nil {
				return err
			}
			if err := ws.SetResult(x.Source(), result); err != nil {
				return err
			}
			e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindExpression, Width: result.Width(), Height: result.Height(), Sequence: e.seq.Load()})
			return nil
		})
}

// NormalizeAndStitch scales every tile to the target mean (zero means the
// configured default) and composes them back onto a full-size canvas at
// their working-distance positions.
func (e *Engine) NormalizeAndStitch(ctx context.Context, target byte) error {
	if target == 0 {
		target = e.cfg.NormalizeTarget
	}
	return e.runner.Run(ctx, Options{Name: "normalize-stitch", StartMessage: "Normalizing tiles"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			var processed []*frame.Frame
			var stitched *frame.Frame
			err := ws.View(func(v workspace.View) error {
				crops := v.Crops()
				if len(crops) == 0 {
					return fmt.Errorf("%w: tiles", workspace.ErrNoFrame)
				}
				for i, c := range crops {
					if err := ctx.Err(); err != nil {
						return err
					}
					n, err := processing.Normalize(c, target)
					if err != nil {
						return fmt.Errorf("normalize tile %d: %w", i, err)
					}
					processed = append(processed, n)
					op.ReportProgress(float64(i+1)/float64(len(crops)+1), "")
				}
				op.ReportMessage("Stitching")
				coords := e.cfg.Layout.CoordinatesFor(e.offsets.Offsets(v.WorkingDistance()))
				stitched = processing.Stitch(processed, coords, e.cfg.Layout.EntireWidth, e.cfg.Layout.EntireHeight)
				if stitched == nil {
					return fmt.Errorf("%w: nothing to stitch", workspace.ErrNoFrame)
				}
				return nil
			})
			if err != nil {
				frame.ReleaseAll(processed)
				return err
			}
			if err := ws.SetProcessed(processed); err != nil {
				stitched.Release()
				return err
			}
			if err := ws.SetStitched(stitched); err != nil {
				return err
			}
			op.ReportProgress(1, "")
			e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindStitched, Width: stitched.Width(), Height: stitched.Height(), Sequence: e.seq.Load()})
			return nil
		})
}

// AddRegion adds a tile-local region, clipped to the tile, and measures it.
func (e *Engine) AddRegion(ctx context.Context, rect types.Rect) (workspace.Region, error) {
	var region workspace.Region
	err := e.runner.Run(ctx, Options{Name: "add-region", StartMessage: "Adding region", FailureMessage: "region rejected"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			clipped := rect.Intersect(e.cfg.Layout.TileWidth, e.cfg.Layout.TileHeight)
			var err error
			region, err = ws.AddRegion(clipped)
			if err != nil {
				return err
			}
			return e.analyze(ctx, ws, op)
		})
	return region, err
}

func (e *Engine) RemoveRegion(ctx context.Context, index int) error {
	return e.runner.Run(ctx, Options{Name: "remove-region", StartMessage: "Removing region"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			return ws.RemoveRegion(index)
		})
}

// AnalyzeRegions measures every region in every wavelength tile of the
// current capture.
func (e *Engine) AnalyzeRegions(ctx context.Context) (map[int][]types.Intensity, error) {
	var out map[int][]types.Intensity
	err := e.runner.Run(ctx, Options{Name: "analyze-regions", StartMessage: "Measuring regions"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			if err := e.analyze(ctx, ws, op); err != nil {
				return err
			}
			out = ws.Intensity()
			return nil
		})
	return out, err
}

func (e *Engine) analyze(ctx context.Context, ws *workspace.Workspace, op *Operation) error {
	regions := ws.Regions()
	results := make(map[int][]types.Intensity, len(regions))
	err := ws.View(func(v workspace.View) error {
		entire, err := v.Entire()
		if err != nil {
			return err
		}
		coords := e.cfg.Layout.CoordinatesFor(e.offsets.Offsets(v.WorkingDistance()))
		for i, r := range regions {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[r.Index] = processing.RegionIntensities(entire, r.Rect, coords, e.cfg.Layout.TileWidth, e.cfg.Layout.TileHeight)
			op.ReportProgress(float64(i+1)/float64(len(regions)), "")
		}
		return nil
	})
	if err != nil {
		return err
	}
	ws.SetIntensity(results)
	return nil
}

// CalibrateOffsets aligns every tile to the reference tile by template
// matching the tile-local patch tpl, stores the corrected offsets for the
// current working distance and re-crops the tiles with them.
func (e *Engine) CalibrateOffsets(ctx context.Context, tpl types.Rect) ([]types.Offset, error) {
	var calibrated []types.Offset
	err := e.runner.Run(ctx, Options{Name: "calibrate-offsets", StartMessage: "Matching tiles", FailureMessage: "calibration failed"},
		func(ctx context.Context, op *Operation) error {
			ws := e.workspaces.Current()
			if ws == nil {
				return workspace.ErrClosed
			}
			wd := ws.WorkingDistance()
			current := e.offsets.Offsets(wd)
			refIdx := e.cfg.Layout.DefaultTile

			err := ws.View(func(v workspace.View) error {
				crops := v.Crops()
				ref, err := v.Crop(refIdx)
				if err != nil {
					return err
				}
				calibrated = make([]types.Offset, len(crops))
				for i, c := range crops {
					if err := ctx.Err(); err != nil {
						return err
					}
					base := types.Offset{}
					if i < len(current) {
						base = current[i]
					}
					if i == refIdx || c == nil {
						calibrated[i] = base
						continue
					}
					delta, score := processing.MatchOffset(ref, tpl, c, e.cfg.MatchRadius)
					e.logger.Debug("tile matched", "tile", i, "dx", delta.DX, "dy", delta.DY, "score", score)
					calibrated[i] = types.Offset{DX: base.DX + delta.DX, DY: base.DY + delta.DY}
					op.ReportProgress(float64(i+1)/float64(len(crops)+1), "")
				}
				return nil
			})
			if err != nil {
				return err
			}
			e.offsets.Set(wd, calibrated)
			op.ReportMessage("Re-cropping")
			return e.tile(ctx, ws, wd, op)
		})
	return calibrated, err
}

// ResetOffsets drops the runtime calibration for wd.
func (e *Engine) ResetOffsets(wd int) {
	e.offsets.Reset(wd)
}
