package trainer

import (
	"sort"
	"unicode/utf8"

	"intent-service/internal/models"
	"intent-service/internal/nn"
	"intent-service/internal/textproc"
)

// evaluation is the outcome of scoring the validation split.
type evaluation struct {
	accuracy  float64
	confusion [][]int
	classes   []models.ClassMetrics
}

// evaluate builds a confusion matrix (rows are true classes, columns are
// predictions) and per-class precision, recall and F1.
func evaluate(truth, pred []int, classes []models.CommandType) evaluation {
	n := len(classes)
	cm := make([][]int, n)
	for i := range cm {
		cm[i] = make([]int, n)
	}
	correct := 0
	for i, t := range truth {
		cm[t][pred[i]]++
		if t == pred[i] {
			correct++
		}
	}

	ev := evaluation{confusion: cm}
	if len(truth) > 0 {
		ev.accuracy = float64(correct) / float64(len(truth))
	}
	for c := 0; c < n; c++ {
		tp, support, predicted := cm[c][c], 0, 0
		for k := 0; k < n; k++ {
			support += cm[c][k]
			predicted += cm[k][c]
		}
		m := models.ClassMetrics{Label: classes[c], Support: support}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			m.Recall = float64(tp) / float64(support)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		ev.classes = append(ev.classes, m)
	}
	return ev
}

// corpusStats computes the descriptive part of the report.
func corpusStats(examples []Example, cleaned []string, topN int) (map[models.CommandType]int, []models.WordFrequency, map[models.CommandType]models.LengthStats, int) {
	dist := make(map[models.CommandType]int)
	lengths := make(map[models.CommandType]models.LengthStats)
	for _, ex := range examples {
		dist[ex.Label]++
		n := utf8.RuneCountInString(ex.Text)
		ls, ok := lengths[ex.Label]
		if !ok {
			ls.Min, ls.Max = n, n
		}
		ls.Min = min(ls.Min, n)
		ls.Max = max(ls.Max, n)
		ls.Mean = (ls.Mean*float64(ls.Count) + float64(n)) / float64(ls.Count+1)
		ls.Count++
		lengths[ex.Label] = ls
	}

	counts := make(map[string]int)
	var order []string
	for _, text := range cleaned {
		for _, tok := range textproc.Tokenize(text) {
			if _, seen := counts[tok]; !seen {
				order = append(order, tok)
			}
			counts[tok]++
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return counts[order[a]] > counts[order[b]] })

	top := make([]models.WordFrequency, 0, min(topN, len(order)))
	for _, w := range order[:min(topN, len(order))] {
		top = append(top, models.WordFrequency{Word: w, Count: counts[w]})
	}
	return dist, top, lengths, len(order)
}

func epochCurves(h *nn.History) []models.EpochMetrics {
	out := make([]models.EpochMetrics, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = models.EpochMetrics{
			Epoch:              e.Epoch,
			Loss:               e.Loss,
			Accuracy:           e.Accuracy,
			ValidationLoss:     e.ValLoss,
			ValidationAccuracy: e.ValAccuracy,
			LearningRate:       e.LearningRate,
		}
	}
	return out
}
