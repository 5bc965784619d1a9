package engine

import "fmt"

// DetectLoop examines the tail of an execution sequence for the three
// fatal patterns: the same skill three times in a row, an A,B,A,B
// alternation, and an A,B,C,A,B,C six-cycle. It returns a descriptive
// message and true when a loop is present.
//
// Two consecutive executions of the same skill are legitimate (a rerun
// with new inputs); only the third is fatal.
func DetectLoop(seq []string) (string, bool) {
	n := len(seq)

	if n >= 3 && seq[n-1] == seq[n-2] && seq[n-2] == seq[n-3] {
		return fmt.Sprintf("loop detected: skill %q executed 3 times in a row", seq[n-1]), true
	}

	if n >= 4 &&
		seq[n-1] == seq[n-3] && seq[n-2] == seq[n-4] &&
		seq[n-1] != seq[n-2] {
		return fmt.Sprintf("loop detected: skills %q and %q alternating", seq[n-2], seq[n-1]), true
	}

	if n >= 6 &&
		seq[n-1] == seq[n-4] && seq[n-2] == seq[n-5] && seq[n-3] == seq[n-6] &&
		!(seq[n-1] == seq[n-2] && seq[n-2] == seq[n-3]) {
		return fmt.Sprintf("loop detected: skills %q, %q, %q repeating as a cycle", seq[n-3], seq[n-2], seq[n-1]), true
	}

	return "", false
}
