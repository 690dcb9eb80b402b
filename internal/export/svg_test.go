package export

import (
	"strings"
	"testing"
)

func TestCurvesToSVG(t *testing.T) {
	ts := []float64{0, 1, 2, 3}
	series := [][]float64{
		{1, 0.5, 0.25, 0.125},
		{0, 0.5, 0.75, 0.875},
	}

	doc := CurvesToSVG(ts, series, 400, 300, false)
	if !strings.HasPrefix(doc, `<?xml version="1.0"`) {
		t.Error("missing XML declaration")
	}
	if !strings.Contains(doc, `width="400" height="300"`) {
		t.Error("missing dimensions")
	}
	if n := strings.Count(doc, "<path"); n != 2 {
		t.Errorf("expected 2 paths, got %d", n)
	}
	if !strings.HasSuffix(doc, "</svg>") {
		t.Error("missing closing tag")
	}
}

func TestCurvesToSVGLogAxis(t *testing.T) {
	ts := []float64{1e-3, 1, 1e3, 1e6}
	series := [][]float64{{1, 0.9, 0.5, 0.1}}
	doc := CurvesToSVG(ts, series, 400, 300, true)
	if strings.Count(doc, "<path") != 1 {
		t.Errorf("expected 1 path")
	}
}

func TestCurvesToSVGDegenerate(t *testing.T) {
	if CurvesToSVG([]float64{0}, [][]float64{{1}}, 100, 100, false) != "" {
		t.Error("single point should produce no document")
	}
	if CurvesToSVG(nil, nil, 100, 100, false) != "" {
		t.Error("empty input should produce no document")
	}
}
