package hymount

import (
	"os"
	"sort"
)

func sortStrings(s []string) {
	sort.Strings(s)
}

func lstatSafe(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}
