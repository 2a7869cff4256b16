package supervisor

import "fmt"

// MaxTitleLen is the longest process name Linux keeps (TASK_COMM_LEN - 1).
const MaxTitleLen = 15

// SupervisorTitle is the supervisor's process title; it fits MaxTitleLen for
// up to 999 workers.
func SupervisorTitle(workers int) string {
	return fmt.Sprintf("warren-sup[%d]", workers)
}

// WorkerTitle is the process title of a worker, cut to MaxTitleLen.
func WorkerTitle(name string) string {
	return truncateTitle("warren-" + name)
}

func truncateTitle(title string) string {
	if len(title) > MaxTitleLen {
		return title[:MaxTitleLen]
	}
	return title
}
