package sender

import "syscall"

// freeDiskBytes reports free space on the filesystem containing dir, used
// by EnforceBudget's fsFreeMinMB check.
func freeDiskBytes(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
