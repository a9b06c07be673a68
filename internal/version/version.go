package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/relaygate/circuit/theme"
)

var (
	Name        = "circuit"
	Description = "Reliability gateway for chat-completion providers"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText = "github.com/relaygate/circuit"
	GithubHomeUri  = "https://github.com/relaygate/circuit"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔══════════════════════════════════════════════╗
│   ██████╗██╗██████╗  ██████╗██╗   ██╗██╗████████╗
│  ██╔════╝██║██╔══██╗██╔════╝██║   ██║██║╚══██╔══╝
│  ██║     ██║██████╔╝██║     ██║   ██║██║   ██║
│  ██║     ██║██╔══██╗██║     ██║   ██║██║   ██║
│  ╚██████╗██║██║  ██║╚██████╗╚██████╔╝██║   ██║
│   ╚═════╝╚═╝╚═╝  ╚═╝ ╚═════╝ ╚═════╝ ╚═╝   ╚═╝` + "\n"))

	b.WriteString(theme.ColourSplash("│  "))
	b.WriteString(theme.ColourSplash(GithubHomeText))
	b.WriteString(" ")
	b.WriteString(theme.ColourVersion(Version))
	b.WriteString("\n")
	b.WriteString(theme.ColourSplash("╚══════════════════════════════════════════════╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
