package plot

// StageFor maps a passage ordinal to its structural stage. Boundaries derive
// from a single block size of ⌈max/4⌉: the first block is the beginning, the
// last block the conclusion, the block before that the climax, and whatever
// lies between is rising action. Ordinal max (and anything past it) is always
// the conclusion.
func StageFor(ordinal, max int) Stage {
	if max < 1 {
		max = MaxPassages
	}
	if ordinal < 1 {
		ordinal = 1
	}
	if ordinal >= max {
		return StageConclusion
	}
	block := (max + 3) / 4
	switch {
	case ordinal <= block:
		return StageBeginning
	case ordinal > max-block:
		return StageConclusion
	case ordinal > max-2*block:
		return StageClimax
	default:
		return StageRising
	}
}

// Terminal reports whether a passage at the given ordinal ends the story.
func Terminal(ordinal, max int) bool {
	if max < 1 {
		max = MaxPassages
	}
	return ordinal >= max
}
