package calib

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var plotPalette = []color.RGBA{
	{31, 119, 180, 255},
	{214, 39, 40, 255},
	{44, 160, 44, 255},
	{255, 127, 14, 255},
	{148, 103, 189, 255},
	{140, 86, 75, 255},
}

// Series is one polyline of a plot, in data coordinates.
type Series struct {
	Name   string
	Points orb.LineString
	Color  color.RGBA
	Dashed bool
}

// Plot is a simple line chart rendered with canvas.
type Plot struct {
	Title      string
	Series     []Series
	Width      float64 // canvas units (mm)
	Height     float64
	Padding    float64
	Resolution canvas.Resolution
	Tolerance  float64 // simplification tolerance in canvas units; 0 disables
}

// NewPlot creates a plot with default geometry.
func NewPlot(title string) *Plot {
	return &Plot{
		Title:      title,
		Width:      160,
		Height:     100,
		Padding:    12,
		Resolution: canvas.DPI(150),
		Tolerance:  0.05,
	}
}

// ConvergencePlot charts the per-iteration median offsets against the threshold.
func ConvergencePlot(record ConvergenceRecord, threshold float64) *Plot {
	p := NewPlot("median |offset| per iteration")
	var medians orb.LineString
	for i, m := range record {
		medians = append(medians, orb.Point{float64(i + 1), m})
	}
	p.Series = append(p.Series, Series{Name: "median", Points: medians, Color: plotPalette[0]})
	if len(record) > 0 {
		p.Series = append(p.Series, Series{
			Name:   "threshold",
			Points: orb.LineString{{1, threshold}, {math.Max(2, float64(len(record))), threshold}},
			Color:  plotPalette[1],
			Dashed: true,
		})
	}
	return p
}

// SpectraPlot charts every spectrum against its bin centres.
func SpectraPlot(title string, spectra *Spectra) *Plot {
	p := NewPlot(title)
	for i, sp := range spectra.Spectra {
		centres := sp.Centres()
		ls := make(orb.LineString, 0, len(sp.Y))
		for j, y := range sp.Y {
			ls = append(ls, orb.Point{centres[j], y})
		}
		p.Series = append(p.Series, Series{
			Name:   fmt.Sprintf("group %d", sp.ID),
			Points: ls,
			Color:  plotPalette[i%len(plotPalette)],
		})
	}
	return p
}

// bounds returns the data extent over all series.
func (p *Plot) bounds() orb.Bound {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, s := range p.Series {
		for _, pt := range s.Points {
			b = b.Extend(pt)
		}
	}
	if b.Min[0] > b.Max[0] {
		return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	}
	if b.Min[1] > 0 {
		b.Min[1] = 0
	}
	if b.Max[0] == b.Min[0] {
		b.Max[0] = b.Min[0] + 1
	}
	if b.Max[1] == b.Min[1] {
		b.Max[1] = b.Min[1] + 1
	}
	return b
}

// project maps the series into canvas coordinates and simplifies them.
func (p *Plot) project() [][]orb.Point {
	b := p.bounds()
	w := p.Width - 2*p.Padding
	h := p.Height - 2*p.Padding
	out := make([][]orb.Point, len(p.Series))
	for i, s := range p.Series {
		ls := make(orb.LineString, len(s.Points))
		for j, pt := range s.Points {
			ls[j] = orb.Point{
				p.Padding + (pt[0]-b.Min[0])/(b.Max[0]-b.Min[0])*w,
				p.Padding + (pt[1]-b.Min[1])/(b.Max[1]-b.Min[1])*h,
			}
		}
		if p.Tolerance > 0 && len(ls) > 2 {
			ls = simplify.DouglasPeucker(p.Tolerance).Simplify(ls.Clone()).(orb.LineString)
		}
		out[i] = ls
	}
	return out
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (p *Plot) render(r canvasRenderer) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(p.Width, p.Height), bg, canvas.Identity)

	axis := canvas.DefaultStyle
	axis.Fill = canvas.Paint{Color: canvas.Transparent}
	axis.Stroke = canvas.Paint{Color: canvas.Black}
	axis.StrokeWidth = 0.3
	frame := &canvas.Path{}
	frame.MoveTo(p.Padding, p.Height-p.Padding)
	frame.LineTo(p.Padding, p.Padding)
	frame.LineTo(p.Width-p.Padding, p.Padding)
	r.RenderPath(frame, axis, canvas.Identity)

	for i, pts := range p.project() {
		if len(pts) == 0 {
			continue
		}
		s := p.Series[i]
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: s.Color}
		style.StrokeWidth = 0.4
		if s.Dashed {
			style.Dashes = []float64{2, 1}
		}
		path := &canvas.Path{}
		for j, pt := range pts {
			if j == 0 {
				path.MoveTo(pt[0], pt[1])
			} else {
				path.LineTo(pt[0], pt[1])
			}
		}
		r.RenderPath(path, style, canvas.Identity)
	}
}

// RenderToSVG writes the plot as an SVG to the provided writer
func (p *Plot) RenderToSVG(w io.Writer) error {
	r := svg.New(w, p.Width, p.Height, nil)
	p.render(r)
	return r.Close()
}

// RenderToPNG writes the plot as a PNG with a title and legend
func (p *Plot) RenderToPNG(w io.Writer) error {
	rast := rasterizer.New(p.Width, p.Height, p.Resolution, canvas.DefaultColorSpace)
	p.render(rast)

	black := color.RGBA{0, 0, 0, 255}
	drawText(rast, 8, 16, p.Title, black)
	y := 32
	for _, s := range p.Series {
		drawText(rast, 8, y, s.Name, s.Color)
		y += 15
	}
	return png.Encode(w, rast)
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// SavePlot writes the plot to path as svg or png.
func SavePlot(path, format string, p *Plot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating plot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating plot file: %w", err)
	}
	defer f.Close()

	switch format {
	case "", "svg":
		err = p.RenderToSVG(f)
	case "png":
		err = p.RenderToPNG(f)
	default:
		err = fmt.Errorf("unknown plot format %q", format)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return f.Close()
}
