package job_runner

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const procCgroupFile = "/proc/self/cgroup"

// DetectCgroup returns the HTCondor slot cgroup the runner lives in, so job
// containers can be charged to the same slot. NO_CGROUP disables the lookup.
func DetectCgroup() (string, error) {
	if os.Getenv("NO_CGROUP") != "" {
		return "", nil
	}
	return parseCgroupFile(procCgroupFile)
}

func parseCgroupFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("couldn't find cgroup %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.Index(line, "htcondor") <= 0 {
			continue
		}
		items := strings.Split(line, ":")
		if len(items) == 3 {
			return strings.TrimSpace(items[2]), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return "", fmt.Errorf("couldn't parse out cgroup from %s", path)
}
