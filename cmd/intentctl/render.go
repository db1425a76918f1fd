package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"intent-service/internal/artifact"
	"intent-service/internal/models"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

type status int

const (
	statusInfo status = iota
	statusOK
	statusWarn
	statusError
)

var statusColors = map[status]*color.Color{
	statusInfo:  color.New(color.FgHiBlue, color.Bold),
	statusOK:    color.New(color.FgHiGreen, color.Bold),
	statusWarn:  color.New(color.FgHiYellow, color.Bold),
	statusError: color.New(color.FgHiRed, color.Bold),
}

var statusIcons = map[status]string{
	statusInfo:  "*",
	statusOK:    "+",
	statusWarn:  "!",
	statusError: "x",
}

func statusLine(w io.Writer, s status, msg string) {
	statusColors[s].Fprint(w, statusIcons[s])
	fmt.Fprintf(w, " %s\n", msg)
}

func heading(w io.Writer, title string) {
	color.New(color.FgHiMagenta, color.Bold, color.Underline).Fprintln(w, title)
}

// renderTable writes rows with the first row as header.
func renderTable(w io.Writer, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func pct(v float64) string { return fmt.Sprintf("%.1f%%", v*100) }

func renderStats(w io.Writer, stats *models.InteractionStats) error {
	heading(w, "Interactions")
	fmt.Fprintf(w, "Total: %d  Types: %d\n", stats.TotalInteractions, len(stats.CommandTypes))
	if stats.TotalInteractions == 0 {
		return nil
	}

	rows := [][]string{{"Type", "Name", "Count", "Share"}}
	for _, ct := range stats.SortedCommandTypes() {
		n := stats.CommandTypes[ct]
		rows = append(rows, []string{
			string(ct),
			models.CommandTypeNames[ct],
			strconv.Itoa(n),
			pct(float64(n) / float64(stats.TotalInteractions)),
		})
	}
	if err := renderTable(w, rows); err != nil {
		return err
	}

	if len(stats.RecentActivity) == 0 {
		return nil
	}
	heading(w, "Recent activity")
	rows = [][]string{{"When", "Type", "Input"}}
	for _, r := range stats.RecentActivity {
		rows = append(rows, []string{r.Timestamp.Local().Format("2006-01-02 15:04"), string(r.CommandType), r.InputText})
	}
	return renderTable(w, rows)
}

func renderPrediction(w io.Writer, pred *models.Prediction, threshold float64) error {
	s := statusWarn
	verdict := "below advisory threshold"
	if pred.Confidence > threshold {
		s, verdict = statusOK, "advised"
	}
	statusLine(w, s, fmt.Sprintf("%s (%s) %s, %s", pred.Label, models.CommandTypeNames[pred.Label], pct(pred.Confidence), verdict))

	type prob struct {
		label models.CommandType
		p     float64
	}
	probs := make([]prob, 0, len(pred.AllProbabilities))
	for l, p := range pred.AllProbabilities {
		probs = append(probs, prob{l, p})
	}
	sort.Slice(probs, func(i, j int) bool {
		if probs[i].p != probs[j].p {
			return probs[i].p > probs[j].p
		}
		return probs[i].label < probs[j].label
	})

	rows := [][]string{{"Type", "Probability"}}
	for _, p := range probs {
		rows = append(rows, []string{string(p.label), pct(p.p)})
	}
	return renderTable(w, rows)
}

func renderRecommendations(w io.Writer, recs []models.Recommendation) {
	for _, r := range recs {
		s := statusWarn
		if r.Kind == models.RecommendationHealthy {
			s = statusOK
		}
		statusLine(w, s, r.Message)
	}
}

func renderRuns(w io.Writer, runs []models.TrainingRun) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No training runs yet")
		return nil
	}
	rows := [][]string{{"ID", "Started", "Trigger", "State", "Accuracy", "Samples", "Version"}}
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Trigger,
			string(r.State),
			pct(r.Accuracy),
			strconv.Itoa(r.SampleCount),
			r.ArtifactVersion,
		})
	}
	return renderTable(w, rows)
}

func renderVersions(w io.Writer, versions []artifact.Manifest, current string) error {
	if len(versions) == 0 {
		fmt.Fprintln(w, "No classifier published yet")
		return nil
	}
	rows := [][]string{{"", "Version", "Created", "Accuracy", "Samples", "Seed"}}
	for _, m := range versions {
		mark := ""
		if m.Version == current {
			mark = "*"
		}
		rows = append(rows, []string{
			mark,
			m.Version,
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			pct(m.Accuracy),
			strconv.Itoa(m.SampleCount),
			strconv.FormatBool(m.UsedSeedCorpus),
		})
	}
	return renderTable(w, rows)
}

// renderReport prints the diagnostics of one training run.
func renderReport(w io.Writer, run *models.TrainingRun) error {
	heading(w, "Training run "+run.ID)
	fmt.Fprintf(w, "State: %s  Trigger: %s  Accuracy: %s\n", run.State, run.Trigger, pct(run.Accuracy))
	fmt.Fprintf(w, "Samples: %d (train %d, validation %d, excluded unknown %d, seed corpus %t)\n",
		run.SampleCount, run.TrainCount, run.ValidationCount, run.ExcludedUnknown, run.UsedSeedCorpus)
	if run.ErrorMessage != "" {
		statusLine(w, statusError, run.ErrorMessage)
	}

	rep := run.Report
	if rep == nil {
		return nil
	}
	fmt.Fprintf(w, "Unique words: %d  Vocabulary: %d  Best epoch: %d  Stopped early: %t\n",
		rep.UniqueWords, rep.VocabularySize, rep.BestEpoch, rep.StoppedEarly)

	if len(rep.Classes) > 0 {
		heading(w, "Classification report")
		rows := [][]string{{"Type", "Precision", "Recall", "F1", "Support"}}
		for _, c := range rep.Classes {
			rows = append(rows, []string{
				string(c.Label),
				fmt.Sprintf("%.2f", c.Precision),
				fmt.Sprintf("%.2f", c.Recall),
				fmt.Sprintf("%.2f", c.F1),
				strconv.Itoa(c.Support),
			})
		}
		if err := renderTable(w, rows); err != nil {
			return err
		}
	}

	if len(rep.ConfusionMatrix) > 0 {
		heading(w, "Confusion matrix (rows: true, columns: predicted)")
		header := []string{""}
		for _, c := range rep.ClassNames {
			header = append(header, string(c))
		}
		rows := [][]string{header}
		for i, counts := range rep.ConfusionMatrix {
			row := []string{string(rep.ClassNames[i])}
			for _, n := range counts {
				row = append(row, strconv.Itoa(n))
			}
			rows = append(rows, row)
		}
		if err := renderTable(w, rows); err != nil {
			return err
		}
	}

	if len(rep.Epochs) > 0 {
		heading(w, "Training curves")
		rows := [][]string{{"Epoch", "Loss", "Acc", "Val loss", "Val acc", "LR"}}
		for _, e := range rep.Epochs {
			rows = append(rows, []string{
				strconv.Itoa(e.Epoch),
				fmt.Sprintf("%.4f", e.Loss),
				fmt.Sprintf("%.3f", e.Accuracy),
				fmt.Sprintf("%.4f", e.ValidationLoss),
				fmt.Sprintf("%.3f", e.ValidationAccuracy),
				fmt.Sprintf("%.2g", e.LearningRate),
			})
		}
		if err := renderTable(w, rows); err != nil {
			return err
		}
	}

	if len(rep.TopWords) > 0 {
		heading(w, "Top words")
		rows := [][]string{{"Word", "Count"}}
		for _, wf := range rep.TopWords {
			rows = append(rows, []string{wf.Word, strconv.Itoa(wf.Count)})
		}
		if err := renderTable(w, rows); err != nil {
			return err
		}
	}

	if len(rep.InputLengths) > 0 {
		heading(w, "Input length by type")
		labels := make([]models.CommandType, 0, len(rep.InputLengths))
		for l := range rep.InputLengths {
			labels = append(labels, l)
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		rows := [][]string{{"Type", "Count", "Min", "Max", "Mean"}}
		for _, l := range labels {
			s := rep.InputLengths[l]
			rows = append(rows, []string{
				string(l), strconv.Itoa(s.Count), strconv.Itoa(s.Min), strconv.Itoa(s.Max), fmt.Sprintf("%.1f", s.Mean),
			})
		}
		return renderTable(w, rows)
	}
	return nil
}
