package file

// Common test file size constants.
const (
	testFileSize1KB = 1024
	testFileSize2KB = 2048
	testFileSize1MB = 1048576
)
