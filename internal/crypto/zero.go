package crypto

// Zero overwrites a byte slice in memory with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero32 wipes a fixed-size key.
func Zero32(k *[32]byte) {
	for i := range k {
		k[i] = 0
	}
}
