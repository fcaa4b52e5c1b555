package audio

import "math"

// Float32ToInt16 converts samples in [-1, 1] to PCM int16, clamping overshoot.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}

// Int16ToFloat32 converts PCM int16 samples to float32 in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// BytesToFloat32 decodes little-endian s16 PCM. A trailing odd byte is ignored.
func BytesToFloat32(b []byte) []float32 {
	n := len(b) / 2
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return Int16ToFloat32(pcm)
}

// PCM16 encodes samples as little-endian s16 mono PCM.
func PCM16(samples []float32) []byte {
	pcm := Float32ToInt16(samples)
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
