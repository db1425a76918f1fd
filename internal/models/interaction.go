package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommandType is the closed set of categories the command router dispatches on.
type CommandType string

const (
	CommandTime       CommandType = "time"
	CommandWeather    CommandType = "weather"
	CommandSearch     CommandType = "search"
	CommandMusic      CommandType = "music"
	CommandNotes      CommandType = "notes"
	CommandScreenshot CommandType = "screenshot"
	CommandSystem     CommandType = "system"
	CommandReminder   CommandType = "reminder"
	CommandChat       CommandType = "chat"
	CommandNews       CommandType = "news"
	CommandNavigation CommandType = "navigation"
	CommandTasks      CommandType = "tasks"
	CommandUnknown    CommandType = "unknown"
)

// KnownCommandTypes lists every routable command type (unknown excluded).
var KnownCommandTypes = []CommandType{
	CommandTime,
	CommandWeather,
	CommandSearch,
	CommandMusic,
	CommandNotes,
	CommandScreenshot,
	CommandSystem,
	CommandReminder,
	CommandChat,
	CommandNews,
	CommandNavigation,
	CommandTasks,
}

// CommandTypeNames maps command types to their user-facing Spanish names
var CommandTypeNames = map[CommandType]string{
	CommandTime:       "Hora y fecha",
	CommandWeather:    "Clima",
	CommandSearch:     "Búsqueda",
	CommandMusic:      "Música",
	CommandNotes:      "Notas",
	CommandScreenshot: "Captura de pantalla",
	CommandSystem:     "Información del sistema",
	CommandReminder:   "Recordatorios",
	CommandChat:       "Conversación",
	CommandNews:       "Noticias",
	CommandNavigation: "Navegación",
	CommandTasks:      "Tareas",
	CommandUnknown:    "Desconocido",
}

// InvalidCommandTypeError is returned when a string is not part of the closed label set.
type InvalidCommandTypeError struct {
	Value string
}

func (e *InvalidCommandTypeError) Error() string {
	return fmt.Sprintf("invalid command type %q", e.Value)
}

// ParseCommandType validates s against the closed label set.
// Empty input maps to CommandUnknown.
func ParseCommandType(s string) (CommandType, error) {
	v := CommandType(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return CommandUnknown, nil
	}
	if v.Valid() {
		return v, nil
	}
	return CommandUnknown, &InvalidCommandTypeError{Value: s}
}

// CommandTypeOrUnknown is the lenient variant used when reading historical rows.
func CommandTypeOrUnknown(s string) CommandType {
	ct, err := ParseCommandType(s)
	if err != nil {
		return CommandUnknown
	}
	return ct
}

// Valid reports whether c is a member of the closed set.
func (c CommandType) Valid() bool {
	if c == CommandUnknown {
		return true
	}
	for _, k := range KnownCommandTypes {
		if k == c {
			return true
		}
	}
	return false
}

func (c CommandType) String() string { return string(c) }

// Interaction is one processed utterance as recorded by the router.
type Interaction struct {
	ID           int64       `json:"id" db:"id"`
	InputText    string      `json:"input_text" db:"user_input"`
	ResponseText string      `json:"response_text" db:"assistant_response"`
	CommandType  CommandType `json:"command_type" db:"command_type"`
	Timestamp    time.Time   `json:"timestamp" db:"timestamp"`
	Confidence   float64     `json:"confidence" db:"confidence"`
}

// Validate checks the invariants enforced at append time.
func (i *Interaction) Validate() error {
	if strings.TrimSpace(i.InputText) == "" {
		return fmt.Errorf("input text is required")
	}
	if !i.CommandType.Valid() {
		return &InvalidCommandTypeError{Value: string(i.CommandType)}
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range [0,1]", i.Confidence)
	}
	return nil
}

// InteractionRequest is the body accepted by the append endpoint.
type InteractionRequest struct {
	InputText    string  `json:"input_text" binding:"required"`
	ResponseText string  `json:"response_text"`
	CommandType  string  `json:"command_type"`
	Confidence   float64 `json:"confidence"`
}

// RecentInteraction is the trimmed row returned in stats.
type RecentInteraction struct {
	InputText   string      `json:"input_text" db:"user_input"`
	CommandType CommandType `json:"command_type" db:"command_type"`
	Timestamp   time.Time   `json:"timestamp" db:"timestamp"`
}

// InteractionStats summarizes the interaction log.
type InteractionStats struct {
	TotalInteractions int                 `json:"total_interactions"`
	CommandTypes      map[CommandType]int `json:"command_types"`
	RecentActivity    []RecentInteraction `json:"recent_activity"`
}

// SortedCommandTypes returns the labels in stats ordered by descending count, then name.
func (s *InteractionStats) SortedCommandTypes() []CommandType {
	out := make([]CommandType, 0, len(s.CommandTypes))
	for ct := range s.CommandTypes {
		out = append(out, ct)
	}
	sort.Slice(out, func(a, b int) bool {
		ca, cb := s.CommandTypes[out[a]], s.CommandTypes[out[b]]
		if ca != cb {
			return ca > cb
		}
		return out[a] < out[b]
	})
	return out
}
