package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/pitchdesk/internal/board"
	"github.com/joescharf/pitchdesk/internal/generate"
	"github.com/joescharf/pitchdesk/internal/llm"
	"github.com/joescharf/pitchdesk/internal/models"
	"github.com/joescharf/pitchdesk/internal/pipeline"
	"github.com/joescharf/pitchdesk/internal/pitch"
	"github.com/joescharf/pitchdesk/internal/queue"
	"github.com/joescharf/pitchdesk/internal/review"
	"github.com/joescharf/pitchdesk/internal/sources"
	"github.com/joescharf/pitchdesk/internal/store"
)

// memoryBoardURL selects the in-process board, for local trials.
const memoryBoardURL = "memory"

// app holds everything a command needs to run the pipelines. Board,
// Engine, Ingest, Gated and Runner are nil when BoardErr is set.
type app struct {
	Store   store.Store
	Board   board.Board
	Engine  *review.Engine
	Ingest  *pipeline.Ingest
	Gated   *pipeline.Gated
	Queue   *queue.Queue
	Runner  *queue.Runner
	Sources []sources.Source

	BoardErr error
	Log      *slog.Logger
}

// newApp wires the store, board, collaborators and pipelines from config.
// A missing board only disables the board-backed pipelines.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	a := &app{
		Store:   s,
		Queue:   queue.New(s, queue.DefaultConfig(), logger),
		Sources: sources.FromConfig(logger),
		Log:     logger,
	}

	b, err := newBoard(ctx, logger)
	if err != nil {
		a.BoardErr = err
		logger.Warn("board pipelines disabled", slog.String("error", err.Error()))
		return a, nil
	}
	a.Board = b

	gen, err := newGenerator(logger)
	if err != nil {
		return nil, err
	}

	llmClient := newLLMClient()
	var judge review.Judge = unconfiguredJudge{}
	var drafterLLM pitch.LLM
	if llmClient != nil {
		judge = llmClient
		drafterLLM = llmClient
	} else {
		logger.Warn("anthropic.api_key not set: pitches use the template and every judgment escalates")
	}

	cfg := review.DefaultConfig()
	a.Engine = review.NewEngine(b, judge, gen, s, cfg, logger)
	a.Ingest = pipeline.NewIngest(b, s, pitch.NewDrafter(drafterLLM, logger), cfg, logger)
	a.Gated = pipeline.NewGated(b, gen, a.Engine, logger)

	a.Runner = queue.NewRunner(a.Queue, &queue.BoardDeadLetter{Board: b, Log: logger})
	a.Runner.Handle(models.StepGenerate, a.stepHandler(a.Gated.Generate))
	a.Runner.Handle(models.StepReview, a.stepHandler(a.Gated.Review))
	return a, nil
}

// stepHandler adapts a pipeline entry point to a queue handler. Failures no
// retry can fix are marked permanent.
func (a *app) stepHandler(run func(ctx context.Context, cardID string) (*review.Result, error)) queue.Handler {
	return func(ctx context.Context, task *models.Task) error {
		res, err := run(ctx, task.CaseID)
		if err != nil {
			if pipeline.Permanent(err) {
				return errors.Join(err, queue.ErrPermanent)
			}
			return err
		}
		if res != nil && res.Case != nil {
			a.Log.InfoContext(ctx, "task finished",
				slog.String("task", task.ID),
				slog.String("case", task.CaseID),
				slog.String("status", string(res.Case.Status)),
			)
		}
		return nil
	}
}

// newBoard connects to the board configured under board.*.
func newBoard(ctx context.Context, logger *slog.Logger) (board.Board, error) {
	url := viper.GetString("board.url")
	switch url {
	case "":
		return nil, &models.ConfigError{Key: "board.url"}
	case memoryBoardURL:
		return board.NewMemoryBoard(review.DefaultConfig().Lanes.All()...), nil
	}

	httpClient := board.AuthHTTPClient(ctx, board.AuthConfig{
		Token:        viper.GetString("board.token"),
		ClientID:     viper.GetString("board.oauth.client_id"),
		ClientSecret: viper.GetString("board.oauth.client_secret"),
		TokenURL:     viper.GetString("board.oauth.token_url"),
		Scopes:       viper.GetStringSlice("board.oauth.scopes"),
	})
	return board.NewHTTPClient(url, httpClient, logger), nil
}

// newGenerator builds the generation client from the built-in profiles,
// overlaid by generation.profiles_file and then generation.profiles.
func newGenerator(logger *slog.Logger) (*generate.Client, error) {
	profiles := generate.DefaultProfiles()
	if path := viper.GetString("generation.profiles_file"); path != "" {
		loaded, err := generate.LoadProfiles(path)
		if err != nil {
			return nil, err
		}
		profiles = loaded
	}

	var overrides []generate.EndpointProfile
	if err := viper.UnmarshalKey("generation.profiles", &overrides); err != nil {
		return nil, fmt.Errorf("parse generation.profiles: %w", err)
	}
	profiles = profiles.Merge(overrides...)

	return generate.NewClient(profiles, nil, viper.GetDuration("generation.timeout"), logger), nil
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

// unconfiguredJudge fails every judgment, so drafts escalate instead of
// being approved unseen.
type unconfiguredJudge struct{}

func (unconfiguredJudge) Judge(context.Context, llm.JudgeRequest) (models.Judgment, error) {
	return models.Judgment{}, &models.ConfigError{Key: "anthropic.api_key"}
}
