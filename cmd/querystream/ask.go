package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querystream/internal/answer"
	"github.com/capitalize-ai/querystream/internal/model"
	"github.com/capitalize-ai/querystream/internal/service"
	"github.com/capitalize-ai/querystream/internal/streamclient"
	"github.com/capitalize-ai/querystream/internal/workflow"
)

var (
	askSession string
	askUser    string

	stepStyles = map[model.StepStatus]lipgloss.Style{
		model.StepPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5c5044")),
		model.StepInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#f5b761")).Bold(true),
		model.StepCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#93b56b")),
	}
	answerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6b93b5")).
			Padding(0, 1)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#d95f5f")).Bold(true)
	metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#61afaf")).Italic(true)
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Stream one query from the reasoning backend",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		client := streamclient.New(streamclient.Config{
			BaseURL:       cfg.UpstreamURL,
			SigningSecret: cfg.UpstreamSigningSecret,
		}, log)

		stream, err := client.Open(ctx, model.QueryRequest{
			Query:     strings.Join(args, " "),
			SessionID: askSession,
			UserID:    askUser,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(service.OpenFailureText))
			return err
		}
		defer stream.Close()

		return render(os.Stdout, stream)
	},
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", uuid.NewString(), "session id")
	askCmd.Flags().StringVarP(&askUser, "user", "u", "cli", "user id")
}

// render prints workflow transitions as they happen and the answer once
// the stream ends.
func render(out io.Writer, stream *streamclient.Stream) error {
	acc := answer.New()
	tracker := workflow.NewTracker(workflow.WithExpectedPhases(cfg.ExpectedPhases...))
	last := map[string]model.StepStatus{}

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out, errorStyle.Render(service.PrematureCloseText))
			return nil
		}
		if err != nil {
			return err
		}

		acc.Apply(ev)
		tracker.Apply(ev)

		for _, step := range tracker.Steps() {
			if last[step.ID] == step.Status {
				continue
			}
			last[step.ID] = step.Status
			fmt.Fprintln(out, stepStyles[step.Status].Render(fmt.Sprintf("%-12s %s", step.Status, step.Name)))
		}

		switch e := ev.(type) {
		case model.ErrorEvent:
			fmt.Fprintln(out, errorStyle.Render(service.ErrorEventText(e.Message)))
			return nil
		case model.CompleteEvent:
			fmt.Fprintln(out, answerStyle.Render(acc.Current()))
			if e.Metadata != nil {
				fmt.Fprintln(out, metaStyle.Render("visualization: "+string(e.Metadata.Kind)))
			}
			return nil
		}
	}
}
