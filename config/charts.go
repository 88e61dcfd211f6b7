package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"oipulse/internal/indicator"
)

// palette colors applied to layout entries that omit one.
var palette = []string{"#ef5350", "#26a69a", "#2962ff", "#ff9800", "#ab47bc", "#26c6da"}

// ChartLayout configures the two stacked dashboard panes.
type ChartLayout struct {
	Panes []Pane `yaml:"panes" json:"panes"`
}

// Pane is one chart pane: fixed indicator lines plus, optionally, every
// saved custom indicator.
type Pane struct {
	Title      string      `yaml:"title" json:"title"`
	Indicators []Indicator `yaml:"indicators" json:"indicators"`
	Customs    bool        `yaml:"customs" json:"customs"`
}

// Indicator is one fixed line, identified by its snapshot column name.
type Indicator struct {
	Field string `yaml:"field" json:"field"`
	Color string `yaml:"color" json:"color"`
}

// DefaultLayout mirrors the classic view: CE vs PE rupee OI on top,
// difference plus custom indicators below.
func DefaultLayout() ChartLayout {
	return ChartLayout{Panes: []Pane{
		{
			Title: "OI Value",
			Indicators: []Indicator{
				{Field: "total_ce_oi_value", Color: "#ef5350"},
				{Field: "total_pe_oi_value", Color: "#26a69a"},
			},
		},
		{
			Title:      "Difference",
			Indicators: []Indicator{{Field: "diff_oi_value", Color: "#2962ff"}},
			Customs:    true,
		},
	}}
}

// LoadChartLayout reads a pane layout from a YAML file. An empty path means
// the built-in default. The result always has exactly two panes with every
// field name checked against the indicator vocabulary and colors filled
// from the palette.
func LoadChartLayout(path string) (ChartLayout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ChartLayout{}, fmt.Errorf("cannot read chart layout: %w", err)
	}
	var layout ChartLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return ChartLayout{}, fmt.Errorf("cannot parse chart layout YAML: %w", err)
	}
	if len(layout.Panes) == 0 {
		return DefaultLayout(), nil
	}
	if len(layout.Panes) > 2 {
		return ChartLayout{}, fmt.Errorf("chart layout has %d panes, the dashboard draws exactly 2", len(layout.Panes))
	}
	for len(layout.Panes) < 2 {
		layout.Panes = append(layout.Panes, Pane{})
	}

	ci := 0
	for pi := range layout.Panes {
		for ii := range layout.Panes[pi].Indicators {
			ind := &layout.Panes[pi].Indicators[ii]
			if !knownField(ind.Field) {
				return ChartLayout{}, fmt.Errorf("chart layout pane %d: unknown indicator field %q", pi, ind.Field)
			}
			if ind.Color == "" {
				ind.Color = palette[ci%len(palette)]
			}
			ci++
		}
	}
	return layout, nil
}

func knownField(name string) bool {
	for _, v := range indicator.VarNames {
		if v == name {
			return true
		}
	}
	return false
}
