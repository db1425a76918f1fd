// Package router is the deterministic keyword dispatcher. It decides the
// command type of every utterance; the classifier only advises it.
package router

import (
	"strings"

	"intent-service/internal/models"
)

type rule struct {
	commandType models.CommandType
	keywords    []string
}

// Order matters: the first matching rule wins, so "tiempo" routes to time.
var rules = []rule{
	{models.CommandTime, []string{"hora", "tiempo", "qué hora", "qué día"}},
	{models.CommandWeather, []string{"clima", "tiempo", "temperatura", "lluvia"}},
	{models.CommandSearch, []string{"busca", "buscar", "encuentra", "información"}},
	{models.CommandMusic, []string{"reproduce", "música", "spotify", "youtube"}},
	{models.CommandNotes, []string{"nota", "anota", "escribe", "apunta"}},
	{models.CommandScreenshot, []string{"captura", "screenshot", "pantalla"}},
	{models.CommandSystem, []string{"sistema", "computadora", "cpu", "ram", "disco"}},
	{models.CommandReminder, []string{"recordatorio", "recordar"}},
	{models.CommandNews, []string{"noticias", "noticia", "actualidad"}},
	{models.CommandNavigation, []string{"abre", "navega", "ir a", "visita"}},
	{models.CommandTasks, []string{"tarea", "tareas", "pendiente"}},
	{models.CommandChat, []string{"hola", "cómo estás", "chiste", "conversa"}},
}

var trainingWords = []string{"entrena", "lstm", "modelo", "aprende"}

var responses = map[models.CommandType]string{
	models.CommandTime:       "Consultando la hora",
	models.CommandWeather:    "Consultando el clima",
	models.CommandSearch:     "Buscando información",
	models.CommandMusic:      "Reproduciendo música",
	models.CommandNotes:      "Tomando nota",
	models.CommandScreenshot: "Tomando captura de pantalla",
	models.CommandSystem:     "Consultando el sistema",
	models.CommandReminder:   "Creando recordatorio",
	models.CommandNews:       "Buscando noticias",
	models.CommandNavigation: "Abriendo",
	models.CommandTasks:      "Revisando tareas",
	models.CommandChat:       "Te escucho",
}

// Decision is the router's verdict for one utterance.
type Decision struct {
	CommandType models.CommandType `json:"command_type"`
	Response    string             `json:"response"`
	// TrainingRequested is set when the utterance asks the assistant to retrain.
	TrainingRequested bool `json:"training_requested"`
}

// KeywordRouter matches lowercase substrings against a fixed keyword table.
type KeywordRouter struct{}

// New returns a keyword router.
func New() *KeywordRouter { return &KeywordRouter{} }

// Detect returns the command type for text, defaulting to chat.
func (KeywordRouter) Detect(text string) models.CommandType {
	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.commandType
			}
		}
	}
	return models.CommandChat
}

// IsTrainingRequest reports whether text asks for a training run.
func (KeywordRouter) IsTrainingRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range trainingWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Route decides how text is handled.
func (r KeywordRouter) Route(text string) Decision {
	if r.IsTrainingRequest(text) {
		return Decision{
			CommandType:       models.CommandSystem,
			Response:          "Iniciando entrenamiento del modelo",
			TrainingRequested: true,
		}
	}
	ct := r.Detect(text)
	return Decision{CommandType: ct, Response: responses[ct]}
}
