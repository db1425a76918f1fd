package trainer

import (
	"math/rand/v2"
	"slices"

	"intent-service/internal/nn"
	"intent-service/internal/textproc"
)

// Augmentation adds perturbed copies of every training sample. Validation
// samples are never augmented.
type Augmentation struct {
	// Copies per sample; 0 disables augmentation.
	Copies int

	DropProb float64 // token removed
	MaskProb float64 // token replaced by the OOV id
	SwapProb float64 // two positions exchanged

	// A token seen in the training split is inserted with InsertProb,
	// tried Inserts times per copy.
	InsertProb float64
	Inserts    int

	OOVInsertProb float64
}

// DefaultAugmentation keeps short phrasings of a command from being
// classified by a single memorized prefix.
func DefaultAugmentation() Augmentation {
	return Augmentation{
		Copies:        6,
		DropProb:      0.15,
		MaskProb:      0.15,
		SwapProb:      0.5,
		InsertProb:    0.7,
		Inserts:       2,
		OOVInsertProb: 0.3,
	}
}

const augmentStream = 0xa11c

// augment returns ds followed by the augmented copies. Every copy keeps the
// label of its source and is padded to maxLen.
func augment(ds nn.Dataset, maxLen int, a Augmentation, seed uint64) nn.Dataset {
	if a.Copies < 1 || ds.Len() == 0 {
		return ds
	}
	seen := knownTokens(ds.X)
	rng := rand.New(rand.NewPCG(seed, augmentStream))

	out := nn.Dataset{
		X: append(make([][]int, 0, ds.Len()*(a.Copies+1)), ds.X...),
		Y: append(make([]int, 0, ds.Len()*(a.Copies+1)), ds.Y...),
	}
	for i, seq := range ds.X {
		var toks []int
		for _, id := range seq {
			if id != textproc.PadID {
				toks = append(toks, id)
			}
		}
		if len(toks) == 0 {
			continue
		}
		for c := 0; c < a.Copies; c++ {
			out.X = append(out.X, perturb(rng, toks, seen, maxLen, a))
			out.Y = append(out.Y, ds.Y[i])
		}
	}
	return out
}

func perturb(rng *rand.Rand, toks, seen []int, maxLen int, a Augmentation) []int {
	cp := make([]int, 0, len(toks)+a.Inserts+1)
	for _, id := range toks {
		r := rng.Float64()
		switch {
		case r < a.DropProb:
		case r < a.DropProb+a.MaskProb:
			cp = append(cp, textproc.OOVID)
		default:
			cp = append(cp, id)
		}
	}
	if len(cp) == 0 {
		cp = append(cp, toks[rng.IntN(len(toks))])
	}
	if len(cp) > 1 && rng.Float64() < a.SwapProb {
		i, j := rng.IntN(len(cp)), rng.IntN(len(cp))
		cp[i], cp[j] = cp[j], cp[i]
	}
	for n := 0; n < a.Inserts && len(seen) > 0; n++ {
		if len(cp) < maxLen && rng.Float64() < a.InsertProb {
			at := rng.IntN(len(cp) + 1)
			cp = slices.Insert(cp, at, seen[rng.IntN(len(seen))])
		}
	}
	if len(cp) < maxLen && rng.Float64() < a.OOVInsertProb {
		cp = slices.Insert(cp, rng.IntN(len(cp)+1), textproc.OOVID)
	}

	padded := make([]int, maxLen)
	copy(padded, cp)
	return padded
}

// knownTokens lists the vocabulary ids present in xs, ascending.
func knownTokens(xs [][]int) []int {
	set := make(map[int]struct{})
	for _, seq := range xs {
		for _, id := range seq {
			if id > textproc.OOVID {
				set[id] = struct{}{}
			}
		}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
