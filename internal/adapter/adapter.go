// Package adapter holds the work functions behind each conversion route. Every adapter
// reports 20% when it starts, intermediate steps between 20% and 80%, and a completed
// record with the artifact written under the task id. Failures are returned to the
// runner's guard instead of being reported here.
package adapter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"mediatoolkit/internal/progress"
	"mediatoolkit/internal/task"
)

const (
	startPercent = 20
	spanPercent  = 60
)

var ErrBadOption = errors.New("invalid option")

func step(rep task.Reporter, percent int, message string) {
	rep.Report(percent, progress.StatusProcessing, message)
}

func done(rep task.Reporter, message string) {
	rep.Report(100, progress.StatusCompleted, message)
}

// scaled maps done/total onto the 20..80 band.
func scaled(doneItems, total int) int {
	if total <= 0 {
		return startPercent
	}
	return startPercent + spanPercent*doneItems/total
}

// removeInputs deletes consumed uploads; the retention sweeper catches anything left.
func removeInputs(taskID string, paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("task_id", taskID).Str("path", p).Err(err).Msg("remove consumed upload failed")
		}
	}
}

// DisplayName strips the "{taskID}_" prefix uploads are stored under.
func DisplayName(taskID, storedPath string) string {
	return strings.TrimPrefix(filepath.Base(storedPath), taskID+"_")
}
