// Package export renders integration results to standalone files.
package export

import (
	"fmt"
	"math"
	"strings"
)

var strokeColors = []string{"#00ff00", "#ff8800", "#00aaff", "#ff00aa", "#ffff00", "#aaaaaa"}

// CurvesToSVG draws one polyline per solution component over the output
// times. With logX set, times are plotted on a log axis, which is the
// useful view for stiff kinetics spanning many decades.
func CurvesToSVG(ts []float64, series [][]float64, width, height int, logX bool) string {
	if len(ts) < 2 || len(series) == 0 {
		return ""
	}

	xs := make([]float64, len(ts))
	for i, t := range ts {
		if logX {
			xs[i] = math.Log10(math.Max(t, 1e-300))
		} else {
			xs[i] = t
		}
	}

	minX, maxX := xs[0], xs[0]
	for _, x := range xs {
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
	}
	var minY, maxY float64
	first := true
	for _, s := range series {
		for _, v := range s {
			if first {
				minY, maxY = v, v
				first = false
			}
			minY = math.Min(minY, v)
			maxY = math.Max(maxY, v)
		}
	}

	rangeX := maxX - minX
	rangeY := maxY - minY
	if rangeX == 0 {
		rangeX = 1
	}
	if rangeY == 0 {
		rangeY = 1
	}
	minX -= rangeX * 0.05
	rangeX *= 1.1
	minY -= rangeY * 0.1
	rangeY *= 1.2

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
`, width, height, width, height))

	for k, s := range series {
		if len(s) != len(ts) {
			continue
		}
		color := strokeColors[k%len(strokeColors)]
		sb.WriteString(fmt.Sprintf(`<path fill="none" stroke="%s" stroke-width="1.5" d="M`, color))
		for i := range s {
			x := (xs[i] - minX) / rangeX * float64(width)
			y := float64(height) - (s[i]-minY)/rangeY*float64(height)
			if i == 0 {
				sb.WriteString(fmt.Sprintf("%.1f,%.1f", x, y))
			} else {
				sb.WriteString(fmt.Sprintf(" L%.1f,%.1f", x, y))
			}
		}
		sb.WriteString("\"/>\n")
	}

	sb.WriteString("</svg>")
	return sb.String()
}
