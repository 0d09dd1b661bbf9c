package meshserver

import (
	"strconv"
	"strings"

	"github.com/cbkow/mid-render/internal/store"
	"github.com/cbkow/mid-render/pkg/types"
)

// stripVersionSuffix removes a trailing "-vN" resubmit suffix from id,
// so resubmitting an already-resubmitted job climbs the same sequence
// instead of growing "-v2-v2-v2".
func stripVersionSuffix(id types.JobID) string {
	s := string(id)
	pos := strings.LastIndex(s, "-v")
	if pos == -1 || pos+2 >= len(s) {
		return s
	}
	if _, err := strconv.Atoi(s[pos+2:]); err != nil {
		return s
	}
	return s[:pos]
}

// nextResubmitID finds the lowest "-vN" (N >= 2) suffix of base not
// already in use in the store.
func nextResubmitID(s *store.Store, base string) types.JobID {
	for n := 2; n < 1000; n++ {
		candidate := types.JobID(base + "-v" + strconv.Itoa(n))
		if _, err := s.GetJob(candidate); err != nil {
			return candidate
		}
	}
	return types.JobID(base + "-v999")
}
