package trainer

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// stratifiedSplit partitions sample indices so each class keeps roughly its
// share in both halves. Every class contributes at least one sample to each
// side, which requires at least two samples per class.
func stratifiedSplit(y []int, numClasses int, valShare float64, seed uint64) (train, val []int, err error) {
	byClass := make([][]int, numClasses)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}

	rng := rand.New(rand.NewPCG(seed, 0x5711))
	for c, idx := range byClass {
		n := len(idx)
		if n < 2 {
			return nil, nil, fmt.Errorf("class %d has %d examples, need at least 2", c, n)
		}
		rng.Shuffle(n, func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		nVal := int(math.Round(valShare * float64(n)))
		nVal = max(1, min(nVal, n-1))
		val = append(val, idx[:nVal]...)
		train = append(train, idx[nVal:]...)
	}
	return train, val, nil
}
