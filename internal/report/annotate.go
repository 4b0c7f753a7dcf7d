// Package report renders the artifacts attached to an incident: the
// annotated frame and the HTML report document.
package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"ppewatch/internal/pipeline"
	"ppewatch/internal/ppe"
	"ppewatch/internal/violation"
)

var (
	colorViolation = color.RGBA{230, 30, 30, 255}
	colorCompliant = color.RGBA{30, 200, 60, 255}
	colorEquipment = color.RGBA{255, 200, 0, 255}
	colorOther     = color.RGBA{80, 160, 255, 255}
	colorBanner    = color.RGBA{0, 0, 0, 200}
)

// Annotate draws the detections onto the frame. Persons with missing
// equipment are outlined in red with their missing items as the label.
func Annotate(jpegData []byte, detections []pipeline.Detection, verdict *violation.Verdict) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	findings := make(map[pipeline.BBox][]string)
	if verdict != nil {
		for _, p := range verdict.Persons {
			findings[p.Box] = p.Missing
		}
	}

	for _, det := range detections {
		c := colorOther
		label := fmt.Sprintf("%s %.0f%%", det.Class, det.Confidence*100)

		switch {
		case strings.EqualFold(det.Class, ppe.Person):
			c = colorCompliant
			if missing := findings[det.BBox]; len(missing) > 0 {
				c = colorViolation
				label = "no " + strings.Join(missing, ", no ")
			}
		default:
			if _, neg := ppe.Negative(det.Class); neg {
				c = colorViolation
			} else if _, ok := ppe.Canonical(det.Class); ok {
				c = colorEquipment
			}
		}

		x, y := int(det.BBox.X1), int(det.BBox.Y1)
		w, h := int(det.BBox.X2-det.BBox.X1), int(det.BBox.Y2-det.BBox.Y1)
		drawBox(rgba, x, y, w, h, c, 2)
		drawLabel(rgba, x, y-14, label, c)
	}

	if verdict.IsViolation() {
		banner := fmt.Sprintf("%s  missing: %s  persons: %d/%d",
			verdict.Severity, strings.Join(verdict.Missing, ", "), verdict.ViolationCount, verdict.PersonCount)
		drawLabel(rgba, bounds.Min.X+4, bounds.Min.Y+4, banner, colorViolation)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	r := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(r) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text over a dark background strip
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	r := img.Bounds()
	if y < r.Min.Y {
		y = r.Min.Y
	}
	if x < r.Min.X {
		x = r.Min.X
	}

	textWidth := font.MeasureString(basicfont.Face7x13, label).Ceil()
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(r)
	draw.Draw(img, bg, image.NewUniform(colorBanner), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
