// Package insights derives human-readable training data suggestions from the
// interaction log. The output is diagnostic only.
package insights

import (
	"context"
	"fmt"
	"strings"

	"intent-service/internal/models"
)

// Options are the recommendation thresholds.
type Options struct {
	MinShare       float64
	MaxShare       float64
	MinUniqueWords int
}

// DefaultOptions flags labels under 5% or over 40% and fewer than 50 unique words.
func DefaultOptions() Options {
	return Options{MinShare: 0.05, MaxShare: 0.40, MinUniqueWords: 50}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinShare <= 0 {
		o.MinShare = d.MinShare
	}
	if o.MaxShare <= 0 || o.MaxShare > 1 {
		o.MaxShare = d.MaxShare
	}
	if o.MinUniqueWords <= 0 {
		o.MinUniqueWords = d.MinUniqueWords
	}
	return o
}

// Source is the part of the interaction store the heuristics read.
type Source interface {
	All(ctx context.Context) ([]models.Interaction, error)
}

// Recommend reads the log and returns Recommendations over it.
func Recommend(ctx context.Context, src Source, opts Options) ([]models.Recommendation, error) {
	rows, err := src.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read interactions: %w", err)
	}
	stats := &models.InteractionStats{
		TotalInteractions: len(rows),
		CommandTypes:      make(map[models.CommandType]int),
	}
	inputs := make([]string, len(rows))
	for i, row := range rows {
		stats.CommandTypes[row.CommandType]++
		inputs[i] = row.InputText
	}
	return Recommendations(stats, inputs, opts), nil
}

// Recommendations flags labels whose share of the log is outside
// [MinShare, MaxShare] and a vocabulary smaller than MinUniqueWords.
func Recommendations(stats *models.InteractionStats, inputs []string, opts Options) []models.Recommendation {
	opts = opts.withDefaults()
	if stats == nil || stats.TotalInteractions == 0 {
		return []models.Recommendation{{
			Kind:    models.RecommendationNoData,
			Message: "No hay suficientes datos para recomendaciones",
		}}
	}

	var out []models.Recommendation
	total := float64(stats.TotalInteractions)
	for _, ct := range stats.SortedCommandTypes() {
		share := float64(stats.CommandTypes[ct]) / total
		switch {
		case share < opts.MinShare:
			out = append(out, models.Recommendation{
				Kind:    models.RecommendationUnderrepresented,
				Label:   ct,
				Share:   share,
				Message: fmt.Sprintf("Considera agregar más ejemplos de comandos '%s' (solo %.1f%%)", ct, share*100),
			})
		case share > opts.MaxShare:
			out = append(out, models.Recommendation{
				Kind:    models.RecommendationOverrepresented,
				Label:   ct,
				Share:   share,
				Message: fmt.Sprintf("El comando '%s' es muy frecuente (%.1f%%), considera diversificar", ct, share*100),
			})
		}
	}

	if unique := UniqueWords(inputs); unique < opts.MinUniqueWords {
		out = append(out, models.Recommendation{
			Kind:    models.RecommendationLowDiversity,
			Message: fmt.Sprintf("Pocas palabras únicas (%d), considera usar más variedad en los comandos", unique),
		})
	}

	if len(out) == 0 {
		out = append(out, models.Recommendation{
			Kind:    models.RecommendationHealthy,
			Message: "Los datos de entrenamiento se ven bien",
		})
	}
	return out
}

// UniqueWords counts distinct lowercased whitespace-separated words.
func UniqueWords(inputs []string) int {
	seen := make(map[string]struct{})
	for _, in := range inputs {
		for _, w := range strings.Fields(strings.ToLower(in)) {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}
