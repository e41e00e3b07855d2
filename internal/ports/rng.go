package ports

import (
	"math/rand"
	"sync"
)

// SeededRng wraps math/rand with a fixed seed. math/rand's generator is
// stable across Go releases and processes, which is what the load harness
// and fault scheduler depend on.
type SeededRng struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSeededRng(seed int64) *SeededRng {
	return &SeededRng{r: rand.New(rand.NewSource(seed))}
}

func (s *SeededRng) Random() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

// RandInt returns an int in [a, b] inclusive. Panics if b < a.
func (s *SeededRng) RandInt(a, b int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a + s.r.Intn(b-a+1)
}
