package supervisor

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/laneway/internal/analysis"
)

// rootCause summarises a pty log tail, which carries escape sequences and
// carriage returns.
func rootCause(terminalOutput string) string {
	return analysis.RootCause(strings.ReplaceAll(ansi.Strip(terminalOutput), "\r", ""))
}
