package stt

import "encoding/binary"

// Resample converts 16-bit little-endian mono PCM between sample rates using
// linear interpolation. The input is returned unchanged when the rates match.
func Resample(pcm []byte, inRate, outRate int) []byte {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(pcm) < 2 {
		return pcm
	}

	n := len(pcm) / 2
	in := make([]int16, n)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	outLen := n * outRate / inRate
	out := make([]byte, outLen*2)
	step := float64(inRate) / float64(outRate)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := float64(in[idx])
		s1 := s0
		if idx+1 < n {
			s1 = float64(in[idx+1])
		}
		v := s0 + (s1-s0)*frac
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(clamp16(v))))
	}
	return out
}

func clamp16(v float64) float64 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return v
	}
}
