package output

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))            // finished items
	success2Style = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))             // run summary
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))             // failed items
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // stalled or retrying
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))            // waiting for the slot
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))            // the active transfer
	debugStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))           // sizes, timings, reasons
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))            // queue summary
	streamStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))           // muxer output lines
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")) // table headers
)

var StyleSymbols = map[string]string{
	"pass":    "✓",
	"fail":    "✗",
	"warning": "!",
	"pending": "◉",
	"bullet":  "•",
	"dot":     "·",
	"hline":   "━",
}

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}

func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}

func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}

func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

func FSuccess(text string) string {
	return successStyle.Render(text)
}

func FError(text string) string {
	return errorStyle.Render(text)
}

func FWarning(text string) string {
	return warningStyle.Render(text)
}

func FDebug(text string) string {
	return debugStyle.Render(text)
}

func FHeader(text string) string {
	return headerStyle.Render(text)
}
