package audio

// ScratchCap reports the capacity of the speed-correction buffer.
func (r *Renderer) ScratchCap() int { return cap(r.scratch) }
