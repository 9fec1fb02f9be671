package halffit

import "fmt"

func Example() {
	a, _ := NewArena()

	b1 := a.Alloc(28)  // fits in one 32-byte chunk
	b2 := a.Alloc(100) // needs the 128-byte guaranteed-fit bucket

	fmt.Printf("b1: len=%d cap=%d\n", len(b1), cap(b1))
	fmt.Printf("b2: len=%d cap=%d\n", len(b2), cap(b2))

	a.Free(b1)
	a.Free(b2)

	// Output:
	// b1: len=28 cap=28
	// b2: len=100 cap=124
}
