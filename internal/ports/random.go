package ports

// Random abstracts random byte generation for testing.
// It satisfies io.Reader so it can feed uuid.NewV7FromReader.
type Random interface {
	// Read fills b with random bytes and returns the number of bytes read.
	Read(b []byte) (n int, err error)
}
