package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"intent-service/internal/app"
	"intent-service/internal/events"
	"intent-service/internal/models"
	"intent-service/internal/nn"
	"intent-service/internal/service"

	"github.com/spf13/cobra"
)

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive assistant loop reading utterances from stdin",
		Long: `shell routes each input line like a spoken command, logs it and shows the
classifier's advice. Say "entrena el modelo" to retrain in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runShell(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runShell owns the output. Lines from in and results of background work
// reach it only through the event queue. It returns when ctx is done or the
// input says "salir", and closes in if it is an io.Closer.
func runShell(ctx context.Context, a *app.App, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	q := a.Assistant.Events()

	// The log writer outlives the loop so that the final drain is persisted.
	logCtx, stopLog := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Interactions.Run(logCtx)
	}()

	go func() {
		defer cancel()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "salir" || line == "exit" {
				return
			}
			q.Post(events.KindInput, line)
		}
	}()

	handle := shellHandler(a.Assistant, out)
	statusLine(out, statusInfo, "Listo. Escribe un comando (\"salir\" para terminar)")
	q.Run(ctx, handle)

	if a.Trainer.InProgress() {
		statusLine(out, statusWarn, "Cancelando el entrenamiento en curso")
	}
	a.Assistant.Close()
	q.Drain(handle)

	// Closing in ends the reader goroutine when in supports it. A read
	// blocked on a terminal cannot be interrupted and ends with the process.
	if c, ok := in.(io.Closer); ok {
		_ = c.Close()
	}

	stopLog()
	wg.Wait()
	return nil
}

// shellHandler applies one event on the foreground goroutine.
func shellHandler(a *service.Assistant, out io.Writer) events.Handler {
	return func(e events.Event) {
		switch e.Kind {
		case events.KindInput:
			if _, err := a.ProcessCommand(e.Payload.(string)); err != nil {
				statusLine(out, statusError, err.Error())
			}
		case events.KindResponse:
			res := e.Payload.(*service.CommandResult)
			fmt.Fprintf(out, "[%s] %s\n", res.CommandType, res.Response)
		case events.KindAdvice:
			pred := e.Payload.(*models.Prediction)
			statusLine(out, statusInfo, fmt.Sprintf("El clasificador sugiere %s (%s)", pred.Label, pct(pred.Confidence)))
		case events.KindTrainingStarted:
			statusLine(out, statusInfo, "Iniciando entrenamiento del modelo")
		case events.KindTrainingProgress:
			s := e.Payload.(nn.EpochStats)
			fmt.Fprintf(out, "  epoch %d loss %.4f val_loss %.4f val_acc %s\n", s.Epoch, s.Loss, s.ValLoss, pct(s.ValAccuracy))
		case events.KindTrainingFinished:
			outcome := e.Payload.(*service.TrainingOutcome)
			if outcome.Error != "" {
				statusLine(out, statusError, "Error en el entrenamiento: "+outcome.Error)
			} else {
				statusLine(out, statusOK, fmt.Sprintf("Entrenamiento completado con precisión del %s", pct(outcome.Run.Accuracy)))
			}
			renderRecommendations(out, outcome.Recommendations)
		case events.KindNotice:
			fmt.Fprintln(out, e.Payload)
		}
	}
}
