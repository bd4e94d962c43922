package cryptoutils

// WipeBytes overwrites the slice with zeros. Used to scrub key material,
// shares and decrypted snapshots from memory.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// IsWiped reports whether every byte of the slice is zero. Destruction uses
// this to verify a scrub actually happened before declaring success.
func IsWiped(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
