package banner

import (
	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
)

// PrintBanner writes the startup banner for the watcher CLI.
func PrintBanner() {
	myFigure := figure.NewColorFigure("SCANWATCH", "doom", "cyan", true)
	myFigure.Print()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	_, _ = cyan.Println("════════════════════════════════════════════════")
	_, _ = green.Println("    DPDP compliance scan monitor")
	_, _ = cyan.Println("════════════════════════════════════════════════")
}
