package checkpoint

import (
	"strconv"
	"strings"
)

const classKeyPrefix = "class."

// ClassMetadata encodes label names as "class.<label>" metadata entries.
func ClassMetadata(names map[int32]string) map[string]string {
	meta := make(map[string]string, len(names))
	for label, name := range names {
		meta[classKeyPrefix+strconv.Itoa(int(label))] = name
	}
	return meta
}

// ClassNames decodes the entries written by ClassMetadata. Other keys are
// ignored.
func ClassNames(meta map[string]string) map[int32]string {
	names := make(map[int32]string)
	for key, name := range meta {
		rest, ok := strings.CutPrefix(key, classKeyPrefix)
		if !ok {
			continue
		}
		label, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			continue
		}
		names[int32(label)] = name
	}
	return names
}
