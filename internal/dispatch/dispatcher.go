// Package dispatch routes one logical request across an ordered list of
// candidate models, retrying and failing over according to a shared
// failure-classification policy while recording per-attempt usage.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnmchuo/llm-dispatch/config"
	"github.com/vnmchuo/llm-dispatch/internal/provider"
	"github.com/vnmchuo/llm-dispatch/internal/shrink"
	"github.com/vnmchuo/llm-dispatch/internal/usage"
)

// ErrExhausted is the terminal outcome when every candidate failed. It is
// the expected "no result" signal of a best-effort multi-backend dispatch,
// not an internal fault; callers test for it with errors.Is.
var ErrExhausted = errors.New("all candidate models exhausted")

// Candidate pairs one model with its per-task overrides and the client of
// its provider. Built once per dispatcher; never mutated afterward.
type Candidate struct {
	Model  config.ModelConfig
	Usage  config.ModelUsage
	Client provider.Client
}

// Dispatcher runs the candidate trial loop for one task. A dispatcher is
// safe for concurrent use: all per-call state lives on the stack.
type Dispatcher struct {
	task       string
	candidates []Candidate
	conf       config.RequestConfig
	recorder   *usage.Recorder
	shrinker   shrink.Shrinker
	logger     *slog.Logger

	// sleep is swappable so tests don't wait out retry intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(task string, candidates []Candidate, conf config.RequestConfig, recorder *usage.Recorder, shrinker shrink.Shrinker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		task:       task,
		candidates: candidates,
		conf:       conf,
		recorder:   recorder,
		shrinker:   shrinker,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// ChatOptions are the optional parts of a completion dispatch.
type ChatOptions struct {
	Tools    []provider.ToolOption
	Format   *provider.ResponseFormat
	TenantID string
}

// effectiveLimits are the merged per-candidate values: candidate override
// over request defaults. Resolved fresh per trial.
type effectiveLimits struct {
	maxRetry    int
	maxTokens   int
	temperature float64
}

func (d *Dispatcher) resolveLimits(u config.ModelUsage) effectiveLimits {
	lim := effectiveLimits{
		maxRetry:    d.conf.MaxRetry,
		maxTokens:   d.conf.DefaultMaxTokens,
		temperature: d.conf.DefaultTemperature,
	}
	if u.MaxRetry != nil {
		lim.maxRetry = *u.MaxRetry
	}
	if u.MaxTokens != nil {
		lim.maxTokens = *u.MaxTokens
	}
	if u.Temperature != nil {
		lim.temperature = *u.Temperature
	}
	return lim
}

// GetResponse dispatches a completion request. It returns the first
// successful envelope, or ErrExhausted once every candidate's budget is
// spent. Provider failures are never propagated to the caller.
func (d *Dispatcher) GetResponse(ctx context.Context, messages []provider.Message, opts *ChatOptions) (*provider.Response, error) {
	if opts == nil {
		opts = &ChatOptions{}
	}
	return d.run(ctx, usage.KindChat, opts.TenantID, messages,
		func(c Candidate, lim effectiveLimits, payload []provider.Message) (*provider.Response, error) {
			req := &provider.ChatRequest{
				Messages:    payload,
				Tools:       opts.Tools,
				MaxTokens:   lim.maxTokens,
				Temperature: lim.temperature,
				Format:      opts.Format,
			}
			return c.Client.GetResponse(ctx, c.Model.Identifier, req)
		})
}

// GetEmbedding dispatches an embedding request over the same candidate
// loop. Embedding payloads are not reducible, so an oversized-payload
// status aborts the candidate instead of shrinking.
func (d *Dispatcher) GetEmbedding(ctx context.Context, input string, tenantID string) (*provider.Response, error) {
	return d.run(ctx, usage.KindEmbedding, tenantID, nil,
		func(c Candidate, _ effectiveLimits, _ []provider.Message) (*provider.Response, error) {
			return c.Client.GetEmbedding(ctx, c.Model.Identifier, input)
		})
}

// run is the shared trial loop. messages is nil for non-reducible payloads;
// invoke performs one attempt against one candidate with the current
// payload.
func (d *Dispatcher) run(
	ctx context.Context,
	kind usage.Kind,
	tenantID string,
	messages []provider.Message,
	invoke func(c Candidate, lim effectiveLimits, payload []provider.Message) (*provider.Response, error),
) (*provider.Response, error) {
	var shrinkFn ShrinkFunc
	if messages != nil && d.shrinker != nil {
		shrinkFn = d.shrinker.Shrink
	}

	for _, cand := range d.candidates {
		lim := d.resolveLimits(cand.Usage)
		price := usage.Pricing{In: cand.Model.PriceIn, Out: cand.Model.PriceOut}

		remaining := lim.maxRetry + 1
		payload := messages
		shrunk := false

		for remaining > 0 {
			recordID := d.recorder.Begin(ctx, tenantID, cand.Model.Name, d.task, kind)

			resp, err := invoke(cand, lim, payload)
			if err == nil {
				d.recorder.Finish(ctx, recordID, usage.StatusSuccess, resp.Usage, price, "")
				return resp, nil
			}

			remaining--
			d.recorder.Finish(ctx, recordID, usage.StatusFailure, nil, price, err.Error())

			decision := Decide(err, DecideInput{
				Remaining:     remaining,
				Shrunk:        shrunk,
				RetryInterval: d.conf.RetryInterval(),
				Messages:      payload,
				Shrink:        shrinkFn,
			})

			switch decision.Action {
			case ActionAbort:
				d.logger.Warn("abandoning model",
					"task", d.task, "model", cand.Model.Name, "error", err)
				remaining = 0

			case ActionWait:
				d.logger.Warn("retrying model",
					"task", d.task, "model", cand.Model.Name,
					"delay", decision.Delay, "remaining", remaining, "error", err)
				if decision.Delay > 0 {
					if serr := d.sleep(ctx, decision.Delay); serr != nil {
						// Interrupted mid-wait: treat as an abort of this
						// candidate at the next attempt boundary.
						d.logger.Warn("wait interrupted",
							"task", d.task, "model", cand.Model.Name, "error", serr)
						remaining = 0
					}
				}

			case ActionReplace:
				d.logger.Warn("payload too large, retrying with shrunk payload",
					"task", d.task, "model", cand.Model.Name)
				shrunk = true
				payload = decision.Payload
			}
		}

		if d.conf.CancelAll && ctx.Err() != nil {
			d.logger.Warn("dispatch interrupted, abandoning remaining candidates",
				"task", d.task)
			break
		}
	}

	d.logger.Error("request failed, no candidate model available", "task", d.task, "kind", kind)
	return nil, ErrExhausted
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
