// Fuzz testing for package normalize.

// +build gofuzz

package normalize

func Fuzz(data []byte) int {
	s := string(data)
	User(s)
	Addr(s)
	ToCRLF(data)

	return 0
}
