package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive colors for dark/light terminals
var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorText   = lipgloss.AdaptiveColor{Light: "#3D3D3D", Dark: "#ABABAB"}
	colorDim    = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#C2410C", Dark: "#F59E0B"}
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(colorDim).Width(22)
	valueStyle = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarn)
)

// row renders one "label value" line.
func row(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}
