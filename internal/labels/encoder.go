// Package labels maps command types to dense class ids.
package labels

import (
	"fmt"

	"intent-service/internal/models"
)

// UnknownLabelError is returned when a label was not seen during Fit.
type UnknownLabelError struct {
	Label models.CommandType
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("label %q was not seen during fit", string(e.Label))
}

// Encoder is a bijection between observed command types and ids 0..n-1.
type Encoder struct {
	classes []models.CommandType
	ids     map[models.CommandType]int
}

// Fit assigns ids in first-seen order.
func Fit(observed []models.CommandType) *Encoder {
	enc := &Encoder{ids: make(map[models.CommandType]int)}
	for _, l := range observed {
		if _, ok := enc.ids[l]; ok {
			continue
		}
		enc.ids[l] = len(enc.classes)
		enc.classes = append(enc.classes, l)
	}
	return enc
}

// Restore rebuilds an encoder from an id-ordered class list.
func Restore(classes []models.CommandType) (*Encoder, error) {
	enc := Fit(classes)
	if enc.Len() != len(classes) {
		return nil, fmt.Errorf("class list contains duplicates")
	}
	for _, c := range classes {
		if !c.Valid() {
			return nil, &models.InvalidCommandTypeError{Value: string(c)}
		}
	}
	return enc, nil
}

// Encode returns the id of label.
func (e *Encoder) Encode(label models.CommandType) (int, error) {
	id, ok := e.ids[label]
	if !ok {
		return 0, &UnknownLabelError{Label: label}
	}
	return id, nil
}

// EncodeAll encodes a slice of labels, stopping at the first unknown one.
func (e *Encoder) EncodeAll(ls []models.CommandType) ([]int, error) {
	out := make([]int, len(ls))
	for i, l := range ls {
		id, err := e.Encode(l)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Decode returns the label for id.
func (e *Encoder) Decode(id int) (models.CommandType, error) {
	if id < 0 || id >= len(e.classes) {
		return models.CommandUnknown, fmt.Errorf("class id %d out of range [0,%d)", id, len(e.classes))
	}
	return e.classes[id], nil
}

// Len is the number of classes.
func (e *Encoder) Len() int { return len(e.classes) }

// Classes returns the id-ordered class list.
func (e *Encoder) Classes() []models.CommandType {
	return append([]models.CommandType(nil), e.classes...)
}
