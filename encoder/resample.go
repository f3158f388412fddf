package encoder

// resampler converts a continuous sample stream from the capture device's
// native rate to the target rate using linear interpolation. State carries
// across calls so chunk boundaries do not produce discontinuities.
type resampler struct {
	inRate  int
	outRate int
	step    float64
	pos     float64
	carry   []float32
}

func newResampler(inRate, outRate int) *resampler {
	return &resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
	}
}

func (r *resampler) passthrough() bool {
	return r.inRate == r.outRate
}

func (r *resampler) process(in []float32) []float32 {
	if r.passthrough() {
		return in
	}

	buf := append(r.carry, in...)
	var out []float32
	pos := r.pos
	for int(pos)+1 < len(buf) {
		i := int(pos)
		frac := float32(pos - float64(i))
		out = append(out, buf[i]+(buf[i+1]-buf[i])*frac)
		pos += r.step
	}

	// Keep the last consumed sample so the next call can interpolate
	// across the chunk boundary.
	keep := int(pos)
	if keep > len(buf)-1 {
		keep = len(buf) - 1
	}
	if keep < 0 {
		keep = 0
	}
	r.carry = append(r.carry[:0:0], buf[keep:]...)
	r.pos = pos - float64(keep)
	return out
}
