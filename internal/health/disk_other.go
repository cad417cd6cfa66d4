//go:build !unix

package health

func freeBytes(string) (uint64, error) {
	return 0, ErrDiskStatsUnsupported
}
