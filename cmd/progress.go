package cmd

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// newSpinner returns an unbounded progress indicator on stderr. It stays
// hidden when stderr is not a terminal so piped output is not cluttered.
func newSpinner(description string, bytes bool) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return progressbar.NewOptions64(-1, progressbar.OptionSetVisibility(false))
	}

	if bytes {
		return progressbar.DefaultBytes(-1, description)
	}

	return progressbar.Default(-1, description)
}
