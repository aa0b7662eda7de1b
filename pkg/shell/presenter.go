package shell

import (
	"github.com/core-tools/hsu-appshell/pkg/logging"
)

// Presenter is the user-facing side of the shell: a window showing the
// server's page and modal dialogs.
type Presenter interface {
	ShowWindow(loadingPage, url string)
	ShowWarning(title, message string)
	ShowError(title, message string)
}

// NewLogPresenter returns a Presenter that only writes to the log, for
// headless runs.
func NewLogPresenter(logger logging.Logger) Presenter {
	return &logPresenter{logger: logger}
}

type logPresenter struct {
	logger logging.Logger
}

func (p *logPresenter) ShowWindow(loadingPage, url string) {
	p.logger.Infof("Window showing %s, loading page: %s", url, loadingPage)
}

func (p *logPresenter) ShowWarning(title, message string) {
	p.logger.Warnf("%s: %s", title, message)
}

func (p *logPresenter) ShowError(title, message string) {
	p.logger.Errorf("%s: %s", title, message)
}
