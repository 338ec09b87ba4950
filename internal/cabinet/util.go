package cabinet

import "strings"

// basename discards any path separators in an archive entry name. CAB
// archives may use either slash depending on the tool that built them.
func basename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
