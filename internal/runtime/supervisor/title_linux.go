package supervisor

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessTitle renames the process as shown by ps and top. The name of
// the main thread is rewritten through procfs so the title does not depend
// on which OS thread the caller runs on; prctl is the fallback, and it only
// renames the calling thread. The kernel keeps MaxTitleLen bytes.
func SetProcessTitle(title string) error {
	title = truncateTitle(title)
	comm := fmt.Sprintf("/proc/self/task/%d/comm", os.Getpid())
	if err := os.WriteFile(comm, []byte(title), 0); err == nil {
		return nil
	}
	b, err := unix.BytePtrFromString(title)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}
