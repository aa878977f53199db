package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/jkaessens/qmanager/pkg/qlog"
	"github.com/jkaessens/qmanager/pkg/qproto"
	"github.com/jkaessens/qmanager/pkg/queue"
)

// notifyTimeout bounds a notify command so a wedged consumer cannot stall
// the executor loop between jobs.
const notifyTimeout = 30 * time.Second

// Notifier spawns a job's notify command after it reaches a terminal state
// and feeds it the qproto.NotifyPayload document on stdin.
//
// This executes a client-supplied command on the server and is a genuine
// security liability. It is disabled unless the daemon is started with the
// explicit capability flag, and is likely to be removed or replaced with an
// allow-list in a future release.
//
// Delivery is best-effort, at-least-once at most: the notify command's exit
// status is logged and otherwise ignored, and it never changes the job's
// terminal state.
type Notifier struct {
	log *qlog.Logger
}

// NewNotifier creates a notifier logging through log.
func NewNotifier(log *qlog.Logger) *Notifier {
	return &Notifier{log: log}
}

// Notify runs the job's notify command. The command string is split on
// whitespace into an argv vector; no shell is involved.
func (n *Notifier) Notify(ctx context.Context, job queue.Job) {
	argv := strings.Fields(job.NotifyCmd)
	if len(argv) == 0 {
		return
	}

	payload, err := json.Marshal(qproto.NotifyPayloadFor(job))
	if err != nil {
		n.log.Error("failed to encode notify payload", "job", job.ID, "err", err)
		return
	}

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	cmd := exec.CommandContext(nctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	if err := cmd.Run(); err != nil {
		n.log.Error("notify command failed", "job", job.ID, "cmd", argv[0], "err", err)
		return
	}
	n.log.Debug("notify command succeeded", "job", job.ID, "cmd", argv[0])
}
