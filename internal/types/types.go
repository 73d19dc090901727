package types

// Rect is an integer pixel rectangle. A zero Width or Height means empty.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Right() int  { return r.X + r.Width }
func (r Rect) Bottom() int { return r.Y + r.Height }

// Intersect clips r to [0,w) x [0,h).
func (r Rect) Intersect(w, h int) Rect {
	x0 := max(r.X, 0)
	y0 := max(r.Y, 0)
	x1 := min(r.Right(), w)
	y1 := min(r.Bottom(), h)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func (r Rect) Translate(dx, dy int) Rect {
	return Rect{X: r.X + dx, Y: r.Y + dy, Width: r.Width, Height: r.Height}
}

type Offset struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// Intensity is the mean/stddev of one region inside one wavelength tile.
type Intensity struct {
	Wavelength int  `json:"wavelength"`
	Mean       byte `json:"mean"`
	StdDev     byte `json:"std_dev"`
}
