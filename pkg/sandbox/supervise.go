package sandbox

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// The supervisor runs the command under GNU timeout, which places it in a
// process group of its own, and records that group's ID in the pid file for
// the lifetime of the run.
const (
	superviseName   = "composer-supervise"
	superviseScript = `pidfile=$1; limit=$2; shift 2
timeout --signal=KILL "$limit" "$@" &
pid=$!
echo "$pid" > "$pidfile"
wait "$pid"
rc=$?
rm -f "$pidfile"
exit $rc`

	killName   = "composer-kill"
	killScript = `[ -f "$1" ] || exit 0
kill -s KILL -- "-$(cat "$1")" 2>/dev/null
rm -f "$1"`
)

// Supervision bounds a command run inside a container. Docker does not stop
// an exec'd process when the client goes away, so a command whose caller
// gave up must be killed explicitly through its pid file.
type Supervision struct {
	// PIDFile is where the process group ID is kept while the command runs.
	PIDFile string
	// Limit kills the command once elapsed. Zero runs it unbounded.
	Limit time.Duration
}

// SupervisionFor returns a Supervision whose limit is the time left until
// ctx's deadline.
func SupervisionFor(ctx context.Context, pidFile string) Supervision {
	s := Supervision{PIDFile: pidFile}
	if dl, ok := ctx.Deadline(); ok {
		s.Limit = max(time.Until(dl), time.Millisecond)
	}
	return s
}

// Wrap returns the command line that runs cmd under supervision.
func (s Supervision) Wrap(cmd ...string) []string {
	out := []string{"sh", "-c", superviseScript, superviseName, s.PIDFile, formatLimit(s.Limit)}
	return append(out, cmd...)
}

// KillCmd returns the command line that kills the supervised process group,
// if it is still running.
func (s Supervision) KillCmd() []string {
	return []string{"sh", "-c", killScript, killName, s.PIDFile}
}

// Unwrap reverses Wrap. It reports false for a command that is not
// supervised.
func Unwrap(cmd []string) (Supervision, []string, bool) {
	if len(cmd) < 7 || cmd[0] != "sh" || cmd[2] != superviseScript || cmd[3] != superviseName {
		return Supervision{}, nil, false
	}
	limit, err := parseLimit(cmd[5])
	if err != nil {
		return Supervision{}, nil, false
	}
	return Supervision{PIDFile: cmd[4], Limit: limit}, cmd[6:], true
}

// KilledPIDFile reports the pid file a KillCmd command line targets.
func KilledPIDFile(cmd []string) (string, bool) {
	if len(cmd) != 5 || cmd[0] != "sh" || cmd[2] != killScript || cmd[3] != killName {
		return "", false
	}
	return cmd[4], true
}

// formatLimit renders d in the syntax timeout(1) accepts. "0" disables the
// limit.
func formatLimit(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64) + "s"
}

func parseLimit(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}
