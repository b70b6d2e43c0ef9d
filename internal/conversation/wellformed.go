package conversation

// Answered reports whether the assistant message at index i is immediately
// followed by one tool result per tool call, in call order. Messages without
// tool calls are always answered.
func Answered(msgs []Message, i int) bool {
	calls := msgs[i].ToolCalls
	if msgs[i].Role != RoleAssistant || len(calls) == 0 {
		return true
	}
	if len(msgs)-i-1 < len(calls) {
		return false
	}
	for j, c := range calls {
		r := msgs[i+1+j]
		if r.Role != RoleTool || r.CallID != c.ID {
			return false
		}
	}
	return true
}

// Dangling scans msgs from the end and returns the indexes of assistant
// messages whose tool calls are not answered, most recent first.
func Dangling(msgs []Message) []int {
	var idx []int
	for i := len(msgs) - 1; i >= 0; i-- {
		if !Answered(msgs, i) {
			idx = append(idx, i)
		}
	}
	return idx
}

// LastDangling returns the most recent offending index.
func LastDangling(msgs []Message) (int, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !Answered(msgs, i) {
			return i, true
		}
	}
	return -1, false
}

// SweepCut returns the index of the earliest offending assistant message and
// the number of offending messages. Truncating at cut leaves a well-formed
// history. cut is -1 when n is 0.
func SweepCut(msgs []Message) (cut int, n int) {
	idx := Dangling(msgs)
	if len(idx) == 0 {
		return -1, 0
	}
	return idx[len(idx)-1], len(idx)
}

// WellFormed reports whether no assistant message in msgs is dangling.
func WellFormed(msgs []Message) bool {
	_, found := LastDangling(msgs)
	return !found
}
